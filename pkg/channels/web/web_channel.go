package web

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"openvia/pkg/api"
	"openvia/pkg/llm"
	"openvia/pkg/permission"
	"openvia/pkg/utils"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for decoupled UI
	},
}

type WebConfig struct {
	Port int `json:"port"` // Default: 9453
}

// IncomingMessage is the wire shape of a client->server websocket frame.
// Type distinguishes an ordinary chat turn ("", "message", or any other
// value) from a "permission_response" reply to an outstanding approval
// prompt.
type IncomingMessage struct {
	Type   string `json:"type,omitempty"`
	Text   string `json:"text"`
	Images []struct {
		Name string `json:"name"`
		Mime string `json:"mime"`
		Data string `json:"data"` // Base64 encoded
	} `json:"images"`

	// Populated only when Type == "permission_response".
	RequestID string `json:"request_id,omitempty"`
	Decision  string `json:"decision,omitempty"` // "allow" | "deny"
}

type SafeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *SafeConn) WriteMessage(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteMessage(messageType, data)
}

// WebChannel is the production implementation of api.Channel and
// api.PermissionChannel for browser clients, speaking a small JSON protocol
// over a single websocket connection per user.
type WebChannel struct {
	config      WebConfig
	server      *http.Server
	bridge      *permission.Bridge
	connections map[string]*SafeConn // Map UserID -> WS Connection
	mu          sync.RWMutex
}

func NewWebChannel(cfg WebConfig, bridge *permission.Bridge) *WebChannel {
	return &WebChannel{
		config:      cfg,
		bridge:      bridge,
		connections: make(map[string]*SafeConn),
	}
}

func (c *WebChannel) ID() string {
	return "web"
}

func (c *WebChannel) Start(ctx api.ChannelContext) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c.handleWebSocket(w, r, ctx)
	})

	addr := fmt.Sprintf(":%d", c.config.Port)
	c.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("Web API listening", "port", c.config.Port)

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Web API server error", "error", err)
		}
	}()

	return nil
}

func (c *WebChannel) Stop() error {
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}

func (c *WebChannel) Send(session api.SessionContext, message string) error {
	c.mu.RLock()
	conn, ok := c.connections[session.UserID]
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("web user %s not connected", session.UserID)
	}

	return conn.WriteMessage(websocket.TextMessage, []byte(message))
}

// SendSignal implements the api.SignalingChannel interface.
func (c *WebChannel) SendSignal(session api.SessionContext, signal string) error {
	c.mu.RLock()
	conn, ok := c.connections[session.UserID]
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("web user %s not connected", session.UserID)
	}

	msg := map[string]string{
		"type":  "signal",
		"value": signal,
	}
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, jsonData)
}

// SendPermissionRequest implements api.PermissionChannel, pushing a
// structured prompt the client UI renders with explicit allow/deny actions.
func (c *WebChannel) SendPermissionRequest(session api.SessionContext, requestID, prompt string) error {
	c.mu.RLock()
	conn, ok := c.connections[session.UserID]
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("web user %s not connected", session.UserID)
	}

	msg := map[string]string{
		"type":       "permission_request",
		"request_id": requestID,
		"prompt":     prompt,
	}
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal permission request: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, jsonData)
}

// Stream implements api.Channel.Stream.
func (c *WebChannel) Stream(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	c.mu.RLock()
	conn, ok := c.connections[session.UserID]
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("web user %s not connected", session.UserID)
	}

	for block := range blocks {
		msg := map[string]interface{}{
			"type": block.Type,
		}

		if block.Type == llm.BlockTypeImage && block.Image != nil {
			switch {
			case block.Image.Type == "base64" && len(block.Image.Data) > 0:
				msg["data"] = base64.StdEncoding.EncodeToString(block.Image.Data)
				msg["mime"] = block.Image.MediaType
			case block.Image.Type == "file" && block.Image.Path != "":
				fileData, err := os.ReadFile(block.Image.Path)
				if err == nil {
					msg["data"] = base64.StdEncoding.EncodeToString(fileData)
					msg["mime"] = block.Image.MediaType
				} else {
					slog.Error("Failed to read local image for stream", "path", block.Image.Path, "error", err)
				}
			case block.Image.Type == "url":
				msg["url"] = block.Image.URL
			}
		} else {
			msg["text"] = block.Text
		}

		jsonData, err := json.Marshal(msg)
		if err != nil {
			slog.Error("Failed to marshal stream block", "error", err)
			continue
		}

		if err := conn.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			return err
		}
	}

	return conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"done"}`))
}

func (c *WebChannel) handleWebSocket(w http.ResponseWriter, r *http.Request, ctx api.ChannelContext) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WS Upgrade failed", "error", err)
		return
	}

	conn := &SafeConn{Conn: rawConn}

	// Simple UserID based on RemoteAddr.
	userID := r.RemoteAddr

	c.mu.Lock()
	c.connections[userID] = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.connections, userID)
		c.mu.Unlock()
		conn.Close()
	}()

	session := api.SessionContext{
		ChannelID: "web",
		UserID:    userID,
		ChatID:    "global", // Currently hardcoded to global for Web UI
		Username:  "WebUser",
	}

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var incoming IncomingMessage
		if err := json.Unmarshal(msgBytes, &incoming); err != nil {
			// Fallback: treat as plain text (backward compatibility).
			ctx.OnMessage(c.ID(), &api.UnifiedMessage{Session: session, Content: string(msgBytes)})
			continue
		}

		if incoming.Type == "permission_response" {
			if c.bridge != nil && incoming.RequestID != "" {
				c.bridge.ResolveRequest(incoming.RequestID, permission.Decision(incoming.Decision))
			}
			continue
		}

		content := incoming.Text
		var files []api.FileAttachment
		for _, img := range incoming.Images {
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				slog.Error("Failed to decode base64 image", "name", img.Name, "error", err)
				continue
			}

			attachmentsDir := "data/attachments"
			if err := os.MkdirAll(attachmentsDir, 0755); err != nil {
				slog.Error("Failed to create attachments dir", "error", err)
				continue
			}

			hash := sha256.Sum256(data)
			_, ext := utils.DetectMimeAndExt(data)
			localFileName := fmt.Sprintf("%s%s%s", utils.GenerateTimestampPrefix(), hex.EncodeToString(hash[:]), ext)
			localPath := fmt.Sprintf("%s/%s", attachmentsDir, localFileName)

			if _, err := os.Stat(localPath); os.IsNotExist(err) {
				if err := os.WriteFile(localPath, data, 0644); err != nil {
					slog.Error("Failed to save image to disk", "path", localPath, "error", err)
					continue
				}
			}

			files = append(files, api.FileAttachment{
				Filename: img.Name,
				MimeType: img.Mime,
				Data:     nil,
				Path:     localPath,
			})
			slog.Debug("Received and saved image directly to disk", "name", img.Name, "path", localPath)
		}

		ctx.OnMessage(c.ID(), &api.UnifiedMessage{
			Session: session,
			Content: content,
			Files:   files,
		})
	}
}
