package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"openvia/pkg/api"
	"openvia/pkg/llm"
	"openvia/pkg/permission"
	"openvia/pkg/utils"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig encapsulates the credentials required to authenticate with
// the Telegram Bot API.
type TelegramConfig struct {
	Token string `json:"token"` // The secret BOT API string provided by @BotFather
}

// TelegramChannel is the production implementation of api.Channel for
// the Telegram platform. It handles multi-modal message reception,
// media group buffering (albums), and fragmented response streaming.
type TelegramChannel struct {
	config       TelegramConfig               // Auth credentials
	bot          *tgbotapi.BotAPI             // Underlying Telegram SDK client
	updates      tgbotapi.UpdatesChannel      // Stream of incoming events
	messageLimit int                          // Maximum character count per single message bubble
	mediaGroups  map[string]*mediaGroupBuffer // Buffer for grouping multiple images sent together
	httpClient   *http.Client                 // Client for downloading remote media from Telegram
	bridge       *permission.Bridge           // Permission Bridge, for the /approve and /deny reply convention
	mu           sync.Mutex                   // Protects concurrent access to internal buffers
	stopCtx      context.Context              // Context used to forcibly abort the long-polling HTTP request
	stopCancel   context.CancelFunc           // Function to trigger the abort
}

// mediaGroupBuffer aggregates multiple incoming messages marked with the
// same MediaGroupID into a single UnifiedMessage. This ensures multi-image
// posts are processed as a single atomic context by the AI.
type mediaGroupBuffer struct {
	session  api.SessionContext // Target session metadata
	content  string             // Aggregated caption text
	photoIDs []string           // Collection of file identifiers
	timer    *time.Timer        // Debounce timer for finishing the group
}

func NewTelegramChannel(cfg TelegramConfig, msgLimit int, timeoutMs int, bridge *permission.Bridge) (api.Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// Create a dedicated HTTP client for the bot so we can forcefully close it on reload.
	// By tying the DialContext to our stopCtx, active long-polling requests will be
	// instantly aborted when Stop() is called, preventing the 409 Conflict.
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	botHttpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
				mergedCtx, mergedCancel := context.WithCancel(dialCtx)
				go func() {
					select {
					case <-ctx.Done():
						mergedCancel()
					case <-mergedCtx.Done():
					}
				}()
				return dialer.DialContext(mergedCtx, network, addr)
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, botHttpClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	slog.Info("Telegram bot authorized", "username", bot.Self.UserName)

	return &TelegramChannel{
		config:       cfg,
		bot:          bot,
		messageLimit: msgLimit,
		mediaGroups:  make(map[string]*mediaGroupBuffer),
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutMs) * time.Millisecond,
		},
		bridge:     bridge,
		stopCtx:    ctx,
		stopCancel: cancel,
	}, nil
}

// ID returns the unique platform identifier "telegram".
func (t *TelegramChannel) ID() string {
	return "telegram"
}

// Start initiates the long-polling update loop in a background goroutine.
// It maps platform-specific update types (text, photos, albums) into
// the internal UnifiedMessage format.
func (t *TelegramChannel) Start(ctx api.ChannelContext) error {
	offset := 0

	go func() {
		for {
			select {
			case <-t.stopCtx.Done():
				return // Gracefully exit on shutdown
			default:
			}

			reqConfig := tgbotapi.NewUpdate(offset)
			reqConfig.Timeout = 60

			updates, err := t.bot.GetUpdates(reqConfig)
			if err != nil {
				select {
				case <-t.stopCtx.Done():
					return // Ignore error if we are shutting down
				default:
					slog.Debug("Failed to get telegram updates", "error", err)
					time.Sleep(3 * time.Second)
					continue
				}
			}

			for _, update := range updates {
				if update.UpdateID >= offset {
					offset = update.UpdateID + 1

					if update.Message == nil {
						continue
					}

					session := api.SessionContext{
						ChannelID: "telegram",
						UserID:    strconv.FormatInt(update.Message.From.ID, 10),
						ChatID:    strconv.FormatInt(update.Message.Chat.ID, 10),
						Username:  update.Message.From.UserName,
					}

					content := update.Message.Text
					if content == "" {
						content = update.Message.Caption
					}

					// The permission approval reply convention: a bare /approve or /deny reply
					// resolves one of the user's pending permission requests (see FindRequestByUser)
					// instead of starting a new agent turn.
					if decision, ok := approvalDecision(content); ok && t.bridge != nil {
						if pending, found := t.bridge.FindRequestByUser(session.UserID); found {
							t.bridge.ResolveRequest(pending.ID, decision)
							continue
						}
					}

					var photoID string
					if len(update.Message.Photo) > 0 {
						photoID = update.Message.Photo[len(update.Message.Photo)-1].FileID
					}

					if update.Message.MediaGroupID != "" {
						t.handleMediaGroup(ctx, update.Message.MediaGroupID, session, content, photoID)
						continue
					}

					if photoID != "" {
						go func(s api.SessionContext, text string, pID string) {
							var files []api.FileAttachment
							if file, err := t.downloadPhoto(pID); err == nil {
								files = append(files, *file)
							} else {
								slog.Error("Photo download failed", "error", err)
							}

							msg := &api.UnifiedMessage{
								Session: s,
								Content: text,
								Files:   files,
							}
							ctx.OnMessage(t.ID(), msg)
						}(session, content, photoID)
					} else {
						msg := &api.UnifiedMessage{
							Session: session,
							Content: content,
						}
						ctx.OnMessage(t.ID(), msg)
					}
				}
			}
		}
	}()

	return nil
}

// approvalDecision recognizes the free-text /approve and /deny convention,
// case-insensitively and ignoring surrounding whitespace.
func approvalDecision(content string) (permission.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "/approve":
		return permission.DecisionAllow, true
	case "/deny":
		return permission.DecisionDeny, true
	default:
		return "", false
	}
}

// SendSignal implements the api.SignalingChannel interface.
func (t *TelegramChannel) SendSignal(session api.SessionContext, signal string) error {
	if signal == llm.BlockTypeThinking {
		chatID, err := strconv.ParseInt(session.ChatID, 10, 64)
		if err != nil {
			return err
		}
		action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
		_, err = t.bot.Send(action)
		return err
	}
	return nil
}

// SendPermissionRequest implements api.PermissionChannel. Telegram has no
// native button-callback wiring here, so the prompt is delivered as plain
// text with the /approve and /deny reply convention appended.
func (t *TelegramChannel) SendPermissionRequest(session api.SessionContext, requestID, prompt string) error {
	return t.Send(session, prompt+"\n\nReply /approve or /deny.")
}

// downloadPhoto encapsulates the download logic, streaming directly to disk.
func (t *TelegramChannel) downloadPhoto(fileID string) (*api.FileAttachment, error) {
	fileInfo, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to get photo file info: %w", err)
	}

	fileURL := fileInfo.Link(t.config.Token)

	resp, err := t.httpClient.Get(fileURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download photo: status code %d", resp.StatusCode)
	}

	attachmentsDir := "data/attachments"
	if err := os.MkdirAll(attachmentsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}

	basePattern := fmt.Sprintf("%s/tg_%s", attachmentsDir, fileID)
	if matches, _ := filepath.Glob(basePattern + "*"); len(matches) > 0 {
		localPath := matches[0]
		mimeType, _ := utils.DetectFileMimeAndExt(localPath)

		return &api.FileAttachment{
			Filename: fileInfo.FilePath,
			MimeType: mimeType,
			Data:     nil,
			Path:     localPath,
		}, nil
	}

	ext := filepath.Ext(fileInfo.FilePath)
	localPath := basePattern + ext

	outFile, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create local file: %w", err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, resp.Body); err != nil {
		return nil, fmt.Errorf("failed to save photo data to disk: %w", err)
	}

	mimeType, detectedExt := utils.DetectFileMimeAndExt(localPath)
	if ext == "" {
		newPath := basePattern + detectedExt
		if err := os.Rename(localPath, newPath); err == nil {
			localPath = newPath
		}
	}

	return &api.FileAttachment{
		Filename: fileInfo.FilePath,
		MimeType: mimeType,
		Data:     nil,
		Path:     localPath,
	}, nil
}

func (t *TelegramChannel) handleMediaGroup(ctx api.ChannelContext, groupID string, session api.SessionContext, text string, photoID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, ok := t.mediaGroups[groupID]
	if !ok {
		buf = &mediaGroupBuffer{
			session:  session,
			content:  text,
			photoIDs: []string{},
		}
		if photoID != "" {
			buf.photoIDs = append(buf.photoIDs, photoID)
		}
		t.mediaGroups[groupID] = buf

		buf.timer = time.AfterFunc(time.Second, func() {
			t.mu.Lock()
			if finalBuf, exists := t.mediaGroups[groupID]; exists {
				delete(t.mediaGroups, groupID)
				t.mu.Unlock()

				var wg sync.WaitGroup
				files := make([]api.FileAttachment, len(finalBuf.photoIDs))

				for i, pid := range finalBuf.photoIDs {
					wg.Add(1)
					go func(index int, id string) {
						defer wg.Done()
						if file, err := t.downloadPhoto(id); err == nil {
							files[index] = *file
						} else {
							slog.Error("MediaGroup download failed", "file_id", id, "error", err)
						}
					}(i, pid)
				}
				wg.Wait()

				var successfulFiles []api.FileAttachment
				for _, f := range files {
					if f.Path != "" || f.Data != nil {
						successfulFiles = append(successfulFiles, f)
					}
				}

				msg := &api.UnifiedMessage{
					Session: finalBuf.session,
					Content: finalBuf.content,
					Files:   successfulFiles,
				}
				ctx.OnMessage(t.ID(), msg)
				slog.Info("MediaGroup sent", "group", groupID, "images", fmt.Sprintf("%d/%d", len(successfulFiles), len(finalBuf.photoIDs)), "content_len", len(finalBuf.content))
			} else {
				t.mu.Unlock()
			}
		})
	} else {
		if text != "" {
			if buf.content != "" {
				buf.content += "\n" + text
			} else {
				buf.content = text
			}
		}
		if photoID != "" {
			buf.photoIDs = append(buf.photoIDs, photoID)
		}

		buf.timer.Reset(time.Second)
	}
}

func (t *TelegramChannel) Stop() error {
	t.stopCancel()

	if httpClient, ok := t.bot.Client.(*http.Client); ok && httpClient != nil {
		if transport, ok := httpClient.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}

	return nil
}

func (t *TelegramChannel) Send(session api.SessionContext, message string) error {
	chatID, err := strconv.ParseInt(session.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id for telegram: %s", session.ChatID)
	}

	msgRunes := []rune(message)
	totalLen := len(msgRunes)

	if totalLen <= t.messageLimit {
		msg := tgbotapi.NewMessage(chatID, message)
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram send failed: %w", err)
		}
		return nil
	}

	for i := 0; i < totalLen; i += t.messageLimit {
		end := i + t.messageLimit
		if end > totalLen {
			end = totalLen
		}
		chunk := string(msgRunes[i:end])
		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram send chunk failed at index %d: %w", i, err)
		}
	}

	return nil
}

func (t *TelegramChannel) sendPhoto(session api.SessionContext, block llm.ContentBlock) error {
	chatID, err := strconv.ParseInt(session.ChatID, 10, 64)
	if err != nil {
		return err
	}

	if block.Image == nil {
		return fmt.Errorf("image source is nil")
	}

	var photo tgbotapi.Chattable
	switch {
	case block.Image.Type == "base64" && len(block.Image.Data) > 0:
		photo = tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
			Name:  "screenshot.png",
			Bytes: block.Image.Data,
		})
	case block.Image.Type == "url":
		photo = tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(block.Image.URL))
	case block.Image.Type == "file" && block.Image.Path != "":
		photo = tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(block.Image.Path))
	default:
		return fmt.Errorf("unsupported image source type: %s", block.Image.Type)
	}

	_, err = t.bot.Send(photo)
	return err
}

// Stream implements the streaming response protocol for Telegram.
// Since Telegram doesn't natively support mid-message streaming updates,
// this implementation uses an "Accumulation + Buffered Flush" strategy:
// 1. Thinking blocks are collected and sent as an initial bubble.
// 2. Text blocks are aggregated until the stream ends or an image occurs.
// 3. Images are sent immediately as separate messages.
func (t *TelegramChannel) Stream(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	var thinkingBuf strings.Builder
	var textBuf strings.Builder
	var thinkingSent bool

	for block := range blocks {
		switch block.Type {
		case llm.BlockTypeThinking:
			thinkingBuf.WriteString(block.Text)
		case llm.BlockTypeText, llm.BlockTypeError:
			if thinkingBuf.Len() > 0 && !thinkingSent {
				thinkingMsg := "Reasoning process:\n\n" + thinkingBuf.String()
				if err := t.Send(session, thinkingMsg); err != nil {
					slog.Error("Failed to send thinking", "error", err)
				}
				thinkingSent = true
			}
			textBuf.WriteString(block.Text)
		case llm.BlockTypeImage:
			if textBuf.Len() > 0 {
				replyMsg := "Assistant response:\n\n" + textBuf.String()
				if err := t.Send(session, replyMsg); err != nil {
					slog.Error("Failed to send text before image", "error", err)
				}
				textBuf.Reset()
			}
			if err := t.sendPhoto(session, block); err != nil {
				slog.Error("Failed to send photo", "error", err)
			}
		}
	}

	if thinkingBuf.Len() > 0 && !thinkingSent {
		thinkingMsg := "Reasoning process:\n\n" + thinkingBuf.String()
		if err := t.Send(session, thinkingMsg); err != nil {
			slog.Error("Failed to send thinking", "error", err)
		}
	}

	if textBuf.Len() > 0 {
		replyMsg := "Assistant response:\n\n" + textBuf.String()
		return t.Send(session, replyMsg)
	}

	return nil
}
