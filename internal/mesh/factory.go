package mesh

import (
	"fmt"

	"github.com/aegnix/abi/internal/config"
)

// Open selects the transport named by configuration.
func Open(cfg config.MeshConfig) (Transport, error) {
	switch cfg.Transport {
	case "", "loopback":
		return NewLoopback(), nil
	case "redis":
		return NewRedisTransport(cfg)
	case "pubsub":
		return NewPubSubTransport(cfg)
	default:
		return nil, fmt.Errorf("unknown mesh transport %q", cfg.Transport)
	}
}
