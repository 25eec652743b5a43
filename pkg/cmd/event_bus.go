package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/nornlabs/norn/pkg/channels/gochannel"
	"github.com/nornlabs/norn/pkg/channels/kafka"
	"github.com/nornlabs/norn/pkg/eventbus"
)

// NewEventBus builds the lifecycle event bus for a provider name: "kafka"
// (brokers comma-separated), "gochannel" for in-process delivery, or "none"
// to disable publishing. A nil bus is valid engine input; the execution log
// is written either way.
func NewEventBus(provider, brokers, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName, strings.Split(brokers, ","))
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka channel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gochannel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
