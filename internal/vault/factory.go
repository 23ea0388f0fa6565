package vault

import (
	"context"
	"fmt"

	"labsync/internal/config"
)

// NewVaultFromConfig creates a Vault implementation based on the vault
// config type.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		return NewS3Vault(ctx, cfg.Name, S3VaultConfig{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Prefix:       cfg.S3Prefix,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3Endpoint != "",
		})
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		return NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
