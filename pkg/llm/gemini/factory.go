package gemini

import (
	"log/slog"
	"openvia/pkg/config"
	"openvia/pkg/llm"
)

// Factory builds Gemini Clients, one per model x api-key pair (models are
// the outer loop, so each model is paired with every key in turn before the
// next model is tried).
type Factory struct{}

func (f *Factory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.Client, error) {
	var clients []llm.Client
	for _, model := range cfg.Models {
		for _, key := range cfg.APIKeys {
			client, err := NewClient(key, model, cfg.UseThoughtSignature, cfg.Options, sys)
			if err != nil {
				slog.Error("failed to create gemini client", "model", model, "error", err)
				continue
			}
			clients = append(clients, client)
		}
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("gemini", &Factory{})
}
