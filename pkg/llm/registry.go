package llm

import (
	"openvia/pkg/config"
)

// ProviderGroupConfig configures one cluster of models from a single
// provider, supporting multi-model pools and provider-specific flags.
type ProviderGroupConfig struct {
	Type                string         `json:"type"`
	APIKeys             []string       `json:"api_keys,omitempty"`
	Models              []string       `json:"models"`
	BaseURL             string         `json:"base_url,omitempty"`
	UseThoughtSignature bool           `json:"use_thought_signature,omitempty"`
	Options             map[string]any `json:"options,omitempty"`
}

// ProviderFactory instantiates Clients for a provider given its group
// config. Each provider package registers one via init().
type ProviderFactory interface {
	Create(groupConfig ProviderGroupConfig, systemConfig *config.SystemConfig) ([]Client, error)
}

var providerRegistry = make(map[string]ProviderFactory)

// RegisterProvider adds a ProviderFactory to the global registry. Called
// from each provider subpackage's init().
func RegisterProvider(name string, factory ProviderFactory) {
	providerRegistry[name] = factory
}

// GetProviderFactory looks up a registered ProviderFactory by name.
func GetProviderFactory(name string) (ProviderFactory, bool) {
	f, ok := providerRegistry[name]
	return f, ok
}
