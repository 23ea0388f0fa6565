package encryption

import (
	"fmt"

	"labsync/internal/config"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. Returns (nil, nil) for type "none": snapshots travel unencrypted.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
