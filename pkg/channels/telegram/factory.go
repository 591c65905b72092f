package telegram

import (
	"fmt"

	"openvia/pkg/api"
	"openvia/pkg/channels"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TelegramFactory implements the channels.ChannelFactory interface to
// instantiate Telegram-specific communication adapters.
type TelegramFactory struct{}

// Create parses the channel-specific configuration and initializes a
// TelegramChannel instance with synchronized system-level timeouts.
func (f *TelegramFactory) Create(rawConfig jsoniter.RawMessage, deps channels.Deps) (api.Channel, error) {
	var tgCfg TelegramConfig
	if err := json.Unmarshal(rawConfig, &tgCfg); err != nil {
		return nil, fmt.Errorf("failed to parse telegram config: %w", err)
	}

	if tgCfg.Token == "" {
		return nil, fmt.Errorf("missing telegram token")
	}

	messageLimit := 4000
	downloadTimeoutMs := 30000
	if deps.System != nil {
		messageLimit = deps.System.TelegramMessageLimit
		downloadTimeoutMs = deps.System.DownloadTimeoutMs
	}

	return NewTelegramChannel(tgCfg, messageLimit, downloadTimeoutMs, deps.Bridge)
}

func init() {
	channels.RegisterChannel("telegram", &TelegramFactory{})
}
