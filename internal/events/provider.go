package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/config"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events/bus"
)

// Provide builds the configured bus implementation and a cleanup that
// releases it. An empty NATS URL selects the in-memory bus, which is the
// single-process default; setting one hands the same subjects to a broker
// so other processes can observe them.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	url := strings.TrimSpace(cfg.NATS.URL)
	if url == "" {
		mem := bus.NewMemoryEventBus(log)
		log.Debug("event bus ready", zap.String("backend", "memory"))
		return mem, func() error { mem.Close(); return nil }, nil
	}

	nb, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect NATS event bus: %w", err)
	}
	log.Debug("event bus ready", zap.String("backend", "nats"), zap.String("url", url))
	return nb, func() error { nb.Close(); return nil }, nil
}
