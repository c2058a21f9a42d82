package bus

import (
	"strings"

	"github.com/relayforge/agentbridge/internal/common/config"
	"github.com/relayforge/agentbridge/internal/common/logger"
)

// Provide builds the configured EventBus implementation: NATS when a
// URL is configured, in-memory otherwise.
func Provide(cfg config.EventBusConfig, log *logger.Logger) (EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATSURL) != "" {
		natsBus, err := NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
