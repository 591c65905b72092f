package llm

import (
	"fmt"
	"log/slog"
	"openvia/pkg/config"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// NewFromConfig builds a Client (atomic or fallback-wrapped) from the raw
// "llm" section of the app config: it unmarshals one ProviderGroupConfig per
// provider group, instantiates each via its registered ProviderFactory, and
// wraps the pool in a FallbackClient when more than one atomic client
// results.
func NewFromConfig(rawLLM jsoniter.RawMessage, system *config.SystemConfig) (Client, error) {
	if rawLLM == nil {
		return nil, fmt.Errorf("missing 'llm' config")
	}

	var groups []ProviderGroupConfig
	if err := json.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse 'llm' config: %w", err)
	}

	var allAtomicClients []Client
	for _, group := range groups {
		slog.Info("loading LLM provider group", "type", group.Type, "models", len(group.Models))

		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			slog.Warn("unknown provider type", "type", group.Type)
			continue
		}

		clients, err := factory.Create(group, system)
		if err != nil {
			slog.Error("failed to create clients", "type", group.Type, "error", err)
			continue
		}
		allAtomicClients = append(allAtomicClients, clients...)
	}

	if len(allAtomicClients) == 0 {
		return nil, fmt.Errorf("no LLM clients could be initialized")
	}

	slog.Info("LLM clients initialized", "count", len(allAtomicClients))

	if len(allAtomicClients) == 1 {
		return allAtomicClients[0], nil
	}

	return &FallbackClient{
		Clients:    allAtomicClients,
		MaxRetries: system.MaxRetries,
		RetryDelay: time.Duration(system.RetryDelayMs) * time.Millisecond,
	}, nil
}
