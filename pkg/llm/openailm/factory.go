package openailm

import (
	"log/slog"
	"openvia/pkg/config"
	"openvia/pkg/llm"
)

// OpenAIFactory builds Clients for the chat-completions wire variant,
// shared by OpenAI itself and any OpenAI-compatible gateway (DeepSeek,
// Moonshot, Qwen, local OpenAI-shim servers) reached via base_url override.
type OpenAIFactory struct{}

func (f *OpenAIFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.Client, error) {
	var clients []llm.Client

	apiKey := ""
	if len(cfg.APIKeys) > 0 {
		apiKey = cfg.APIKeys[0]
	}

	for _, model := range cfg.Models {
		client, err := NewClient("openai", apiKey, model, cfg.BaseURL, cfg.Options)
		if err != nil {
			slog.Error("failed to create openai client", "model", model, "error", err)
			continue
		}
		client.SetDebug(sys.DebugChunks)
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("openai", &OpenAIFactory{})
}
