package kvstore

import (
	"fmt"

	"labsync/internal/config"
)

// NewStoreFromConfig creates the config tier based on the config store type.
func NewStoreFromConfig(cfg config.KVConfig) (Store, error) {
	switch cfg.Type {
	case "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("dir required for file config store")
		}
		return NewFileStore(cfg.Dir)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown config store type: %s", cfg.Type)
	}
}
