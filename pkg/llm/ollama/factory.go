package ollama

import (
	"log/slog"
	"openvia/pkg/config"
	"openvia/pkg/llm"
)

// Factory builds Ollama Clients, one per configured model.
type Factory struct{}

func (f *Factory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.Client, error) {
	var clients []llm.Client
	for _, model := range cfg.Models {
		client, err := NewClient(model, cfg.BaseURL, cfg.Options)
		if err != nil {
			slog.Error("failed to create ollama client", "model", model, "error", err)
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("ollama", &Factory{})
}
