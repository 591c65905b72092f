package openairesponses

import (
	"log/slog"
	"openvia/pkg/config"
	"openvia/pkg/llm"
)

// Factory builds Clients for the stateful Responses API variant, selected
// via provider type "openai_responses" in config so it can coexist with the
// plain chat-completions "openai" provider group.
type Factory struct{}

func (f *Factory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.Client, error) {
	var clients []llm.Client
	apiKey := ""
	if len(cfg.APIKeys) > 0 {
		apiKey = cfg.APIKeys[0]
	}
	for _, model := range cfg.Models {
		client, err := NewClient(apiKey, model, cfg.BaseURL, cfg.Options)
		if err != nil {
			slog.Error("failed to create openai responses client", "model", model, "error", err)
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("openai_responses", &Factory{})
}
