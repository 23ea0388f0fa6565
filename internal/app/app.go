// Package app is the application layer between the CLI and the sync
// engine. It constructs all dependencies from config, exposes high-level
// operations and manages resource lifecycles on Close.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"labsync/internal/auth"
	"labsync/internal/config"
	"labsync/internal/database"
	"labsync/internal/encryption"
	"labsync/internal/gateway"
	"labsync/internal/kvstore"
	"labsync/internal/model"
	"labsync/internal/offline"
	"labsync/internal/store"
	"labsync/internal/vault"
)

// App wires the durable store, auth service and sync engine together.
// The caller must call Close when done.
type App struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	store     *store.DurableStore
	client    *gateway.Client // nil when no remote is configured
	auth      *auth.Service
	engine    *offline.Engine
	vault     vault.Vault // nil when no vault is configured
	encryptor encryption.Encryptor
	logFile   *os.File
}

// NewApp creates a fully wired App from the given config.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	cfg.Normalize()

	runID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	kv, err := kvstore.NewStoreFromConfig(cfg.ConfigStore)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating config store: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.DeviceID)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		logger.Info("migrating database schema", "path", db.Path())
		if err := db.Migrate(); err != nil {
			db.Close()
			logFile.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	durable := store.New(kv, db)

	var client *gateway.Client
	if cfg.Remote.BaseURL != "" {
		client = gateway.NewClient(cfg.Remote.BaseURL, sessionTokenSource(durable), logger)
	}

	clock := offline.RealClock{}
	ids := offline.UUIDGenerator{}

	var authGW auth.Gateway
	if client != nil {
		authGW = client
	}
	authSvc := auth.NewService(durable, authGW, clock, ids, logger)

	queue := offline.NewQueue(durable, clock, ids, logger, offline.QueueOptions{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: time.Duration(cfg.Sync.BackoffBaseMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Sync.BackoffCapMs) * time.Millisecond,
	})
	resolver := offline.NewResolver(durable, clock, ids, logger,
		model.Strategy(cfg.Sync.DefaultStrategy), cfg.Sync.MaxAttempts)

	var engineGW offline.Gateway
	if client != nil {
		engineGW = client
	}
	engine := offline.NewEngine(durable, engineGW, queue, resolver, clock, ids, logger, offline.EngineOptions{
		BatchSize: cfg.Sync.BatchSize,
		DeviceID:  cfg.DeviceID,
	})

	var v vault.Vault
	if len(cfg.Vaults) > 0 {
		v, err = vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
		if err != nil {
			db.Close()
			logFile.Close()
			return nil, fmt.Errorf("creating vault: %w", err)
		}
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	return &App{
		cfg:       cfg,
		db:        db,
		store:     durable,
		client:    client,
		auth:      authSvc,
		engine:    engine,
		vault:     v,
		encryptor: enc,
		logFile:   logFile,
	}, nil
}

// sessionTokenSource reads the cached session's access token for
// authenticated requests. No session means an unauthenticated request,
// not an error.
func sessionTokenSource(durable *store.DurableStore) gateway.TokenSource {
	return func(context.Context) (string, error) {
		raw, ok, err := durable.GetConfigRaw(store.KeyOfflineSession)
		if err != nil || !ok {
			return "", nil
		}
		var sess model.OfflineSession
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return "", nil
		}
		return sess.Session.AccessToken, nil
	}
}

// Login authenticates online when possible, offline otherwise.
func (a *App) Login(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	return a.auth.Login(ctx, email, password)
}

// Logout invalidates the remote session when reachable and clears the
// cached session. Cached credentials survive for offline login.
func (a *App) Logout(ctx context.Context) error {
	return a.auth.Logout(ctx)
}

// CurrentUser returns the cached user and session, or nils when no valid
// session exists.
func (a *App) CurrentUser() (*model.User, *model.Session, error) {
	return a.auth.RestoreSession()
}

// IsLoginAvailable reports whether offline login could currently succeed.
func (a *App) IsLoginAvailable() bool {
	return a.auth.IsLoginAvailable()
}

// Put applies a local write and queues it for sync.
func (a *App) Put(table, recordID string, payload json.RawMessage, priority int) (*model.QueueItem, error) {
	op := model.OpUpdate
	existing, err := a.store.Get(table, recordID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		op = model.OpCreate
	}
	return a.engine.Enqueue(table, recordID, op, payload, priority)
}

// Delete applies a local delete and queues it for sync.
func (a *App) Delete(table, recordID string, priority int) (*model.QueueItem, error) {
	return a.engine.Enqueue(table, recordID, model.OpDelete, nil, priority)
}

// Get reads the local copy of a record.
func (a *App) Get(table, recordID string) (*model.LocalRecord, error) {
	return a.store.Get(table, recordID)
}

// Sync drains the mutation queue against the remote.
func (a *App) Sync(ctx context.Context) (*model.SyncHistory, error) {
	if a.client == nil {
		return nil, fmt.Errorf("no remote configured: set remote.base_url in the config")
	}
	var userID string
	if user, _, err := a.auth.RestoreSession(); err == nil && user != nil {
		userID = user.ID
	}
	return a.engine.Drain(ctx, userID)
}

// Status returns a snapshot of engine state.
func (a *App) Status(ctx context.Context) (*offline.SyncStatus, error) {
	return a.engine.Status(ctx)
}

// Usage reports local storage consumption.
func (a *App) Usage() (*store.UsageInfo, error) {
	return a.store.UsageInfo()
}

// Conflicts lists unresolved conflicts.
func (a *App) Conflicts() ([]*model.ConflictRecord, error) {
	return a.engine.OpenConflicts()
}

// ResolveConflict closes an open conflict with an explicit decision.
func (a *App) ResolveConflict(conflictID string, strategy model.Strategy, mergedData []byte) error {
	return a.engine.ResolveConflict(conflictID, strategy, mergedData)
}

// History returns the most recent drain audit entries.
func (a *App) History(limit int) ([]*model.SyncHistory, error) {
	return a.engine.History(limit)
}

// RetryFailed returns terminally failed queue items to pending.
func (a *App) RetryFailed() (int64, error) {
	return a.engine.RetryFailed()
}

// PruneSynced deletes completed queue items.
func (a *App) PruneSynced() (int64, error) {
	return a.engine.PruneSynced()
}

// ClearLocalData wipes both storage tiers, including cached credentials.
func (a *App) ClearLocalData() error {
	return a.store.ClearAll()
}

// Snapshot exports the local database and uploads it to the configured
// vault, encrypting in transit when an encryptor is configured.
func (a *App) Snapshot(ctx context.Context) (*vault.Snapshot, error) {
	if a.vault == nil {
		return nil, fmt.Errorf("no vault configured")
	}

	tmpFile, err := os.CreateTemp("", "labsync-snapshot-*.db")
	if err != nil {
		return nil, fmt.Errorf("creating temp file for snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	if err := a.db.BackupTo(tmpPath); err != nil {
		return nil, fmt.Errorf("exporting database: %w", err)
	}

	uploadPath := tmpPath
	encrypted := false
	if a.encryptor != nil {
		if !a.encryptor.IsConfigured() {
			return nil, fmt.Errorf("encryption configured but keys are missing: run snapshot setup first")
		}
		encPath := tmpPath + ".age"
		if err := a.encryptFile(tmpPath, encPath); err != nil {
			return nil, err
		}
		defer os.Remove(encPath)
		uploadPath = encPath
		encrypted = true
	}

	f, err := os.Open(uploadPath)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot for upload: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	meta := vault.Snapshot{
		DeviceID:  a.cfg.DeviceID,
		Name:      time.Now().UTC().Format("20060102T150405Z"),
		Size:      info.Size(),
		CreatedAt: time.Now().UTC(),
		Encrypted: encrypted,
	}
	if err := a.vault.PutSnapshot(ctx, meta, f); err != nil {
		return nil, fmt.Errorf("uploading snapshot: %w", err)
	}
	return &meta, nil
}

// Snapshots lists the snapshots stored for this device.
func (a *App) Snapshots(ctx context.Context) ([]vault.Snapshot, error) {
	if a.vault == nil {
		return nil, fmt.Errorf("no vault configured")
	}
	return a.vault.ListSnapshots(ctx, a.cfg.DeviceID)
}

// SetupEncryption generates snapshot encryption keys.
func (a *App) SetupEncryption(passphrase string) error {
	if a.encryptor == nil {
		return fmt.Errorf("encryption is not enabled in the config")
	}
	return a.encryptor.Setup(passphrase)
}

func (a *App) encryptFile(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening snapshot for encryption: %w", err)
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating encrypted snapshot file: %w", err)
	}
	defer dest.Close()

	if err := a.encryptor.Encrypt(src, dest); err != nil {
		return fmt.Errorf("encrypting snapshot: %w", err)
	}
	return nil
}

// Close releases all resources.
func (a *App) Close() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
