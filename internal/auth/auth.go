// Package auth implements offline-capable login: a salted password digest
// and the last known user profile are cached locally after a successful
// online login, so the same user can authenticate later without a network.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"labsync/internal/model"
	"labsync/internal/offline"
	"labsync/internal/store"
)

// Credential and session lifetimes. Equality with the deadline counts as
// expired: a credential whose expires_at equals the current instant is
// already unusable.
const (
	CredentialTTL = 30 * 24 * time.Hour
	SessionTTL    = 24 * time.Hour
)

// ConfigStore is the slice of the durable store's config tier the auth
// service needs.
type ConfigStore interface {
	GetConfigRaw(key string) (string, bool, error)
	SetConfig(key string, value any) error
	RemoveConfig(key string) error
}

// Gateway performs online authentication against the portal backend.
type Gateway interface {
	Login(ctx context.Context, email, password string) (*model.User, *model.Session, error)
	Logout(ctx context.Context, accessToken string) error
}

// Service is the offline-first authentication layer.
type Service struct {
	store   ConfigStore
	gateway Gateway
	clock   offline.Clock
	ids     offline.IDGenerator
	logger  offline.Logger
}

// NewService creates an auth Service. gateway may be nil for a purely
// offline configuration.
func NewService(st ConfigStore, gateway Gateway, clock offline.Clock, ids offline.IDGenerator, logger offline.Logger) *Service {
	return &Service{store: st, gateway: gateway, clock: clock, ids: ids, logger: logger}
}

// Login authenticates online when a gateway is configured and reachable,
// caching credentials and the session for later offline use. When the
// gateway is absent or unreachable it falls back to offline verification.
// Definitive online rejections (bad password) do not fall back.
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	if s.gateway == nil {
		return s.LoginOffline(email, password)
	}

	user, session, err := s.gateway.Login(ctx, email, password)
	if err != nil {
		var te *offline.TransientSyncError
		if errors.As(err, &te) {
			s.logger.Warn("online login unreachable, trying offline", "error", err)
			return s.LoginOffline(email, password)
		}
		return nil, nil, err
	}

	if err := s.CacheCredentials(user, email, password); err != nil {
		// The user is authenticated; a failed cache write only costs
		// future offline logins.
		s.logger.Error("caching offline credentials failed", "error", err)
	}
	if err := s.StoreSession(user, session); err != nil {
		s.logger.Error("caching offline session failed", "error", err)
	}
	return user, session, nil
}

// VerifyCredentials reports whether email and password match the cached
// credential, without issuing a session. Verification fails closed and an
// expired credential is purged, exactly as during an offline login.
func (s *Service) VerifyCredentials(email, password string) bool {
	_, err := s.verifyCredentials(email, password)
	return err == nil
}

// verifyCredentials checks email and password against the cached digest.
// Fails closed: any storage trouble reads as "no credentials". An expired
// credential is purged on touch.
func (s *Service) verifyCredentials(email, password string) (*model.OfflineCredential, error) {
	cred, err := s.loadCredential()
	if err != nil {
		s.logger.Warn("reading cached credentials failed", "error", err)
		return nil, &offline.AuthError{Reason: "no cached credentials"}
	}
	if cred == nil {
		return nil, &offline.AuthError{Reason: "no cached credentials"}
	}
	if !s.clock.Now().Before(cred.ExpiresAt) {
		s.purgeCredential()
		return nil, &offline.AuthError{Reason: "cached credentials expired"}
	}
	if NormalizeEmail(email) != cred.Email {
		return nil, &offline.AuthError{Reason: "invalid credentials"}
	}
	if !VerifyPassword(email, password, cred.PasswordHash) {
		return nil, &offline.AuthError{Reason: "invalid credentials"}
	}
	return cred, nil
}

// LoginOffline verifies the password against the cached digest and returns
// the cached user profile with a locally issued session.
func (s *Service) LoginOffline(email, password string) (*model.User, *model.Session, error) {
	cred, err := s.verifyCredentials(email, password)
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now()

	sess, err := s.loadOfflineSession()
	if err != nil {
		s.logger.Warn("reading cached session failed", "error", err)
		return nil, nil, offline.ErrUserDataNotFound
	}
	if sess == nil || sess.UserID != cred.UserID {
		return nil, nil, offline.ErrUserDataNotFound
	}

	session := &model.Session{
		AccessToken: "offline-" + s.ids.New(),
		ExpiresAt:   now.Add(SessionTTL),
	}
	user := sess.User
	if err := s.StoreSession(&user, session); err != nil {
		s.logger.Error("refreshing offline session failed", "error", err)
	}
	s.logger.Info("offline login succeeded", "user_id", cred.UserID)
	return &user, session, nil
}

// CacheCredentials stores the salted password digest for user, replacing
// any previous credential. Called after every successful online login so
// the credential window slides forward.
func (s *Service) CacheCredentials(user *model.User, email, password string) error {
	now := s.clock.Now()
	cred := &model.OfflineCredential{
		UserID:       user.ID,
		Email:        NormalizeEmail(email),
		PasswordHash: HashPassword(email, password),
		CreatedAt:    now,
		ExpiresAt:    now.Add(CredentialTTL),
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding offline credentials: %w", err)
	}
	return s.store.SetConfig(store.KeyOfflineCredentials, string(data))
}

// StoreSession caches the user profile and session for offline restore.
func (s *Service) StoreSession(user *model.User, session *model.Session) error {
	now := s.clock.Now()
	sess := &model.OfflineSession{
		UserID:    user.ID,
		User:      *user,
		Session:   *session,
		CreatedAt: now,
		ExpiresAt: now.Add(SessionTTL),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding offline session: %w", err)
	}
	return s.store.SetConfig(store.KeyOfflineSession, string(data))
}

// RestoreSession returns the cached user and session when one exists and
// has not expired. An expired session is purged and (nil, nil, nil) is
// returned, the same as no session at all.
func (s *Service) RestoreSession() (*model.User, *model.Session, error) {
	sess, err := s.loadOfflineSession()
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, nil
	}
	if !s.clock.Now().Before(sess.ExpiresAt) {
		s.ClearSession()
		return nil, nil, nil
	}
	user := sess.User
	session := sess.Session
	return &user, &session, nil
}

// IsLoginAvailable reports whether an offline login could currently
// succeed: a cached credential exists and its deadline is still ahead.
func (s *Service) IsLoginAvailable() bool {
	cred, err := s.loadCredential()
	if err != nil || cred == nil {
		return false
	}
	return s.clock.Now().Before(cred.ExpiresAt)
}

// Logout invalidates the remote session when possible and always clears
// the cached session. The cached credential survives so offline login
// remains available.
func (s *Service) Logout(ctx context.Context) error {
	sess, err := s.loadOfflineSession()
	if err == nil && sess != nil && s.gateway != nil {
		if err := s.gateway.Logout(ctx, sess.Session.AccessToken); err != nil {
			s.logger.Warn("remote logout failed", "error", err)
		}
	}
	return s.ClearSession()
}

// ClearSession removes the cached session only.
func (s *Service) ClearSession() error {
	return s.store.RemoveConfig(store.KeyOfflineSession)
}

// ClearAll removes both the cached session and the cached credential,
// disabling offline login until the next online login.
func (s *Service) ClearAll() error {
	if err := s.ClearSession(); err != nil {
		return err
	}
	return s.store.RemoveConfig(store.KeyOfflineCredentials)
}

func (s *Service) loadCredential() (*model.OfflineCredential, error) {
	raw, ok, err := s.store.GetConfigRaw(store.KeyOfflineCredentials)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var cred model.OfflineCredential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("decoding offline credentials: %w", err)
	}
	return &cred, nil
}

func (s *Service) loadOfflineSession() (*model.OfflineSession, error) {
	raw, ok, err := s.store.GetConfigRaw(store.KeyOfflineSession)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var sess model.OfflineSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decoding offline session: %w", err)
	}
	return &sess, nil
}

func (s *Service) purgeCredential() {
	if err := s.store.RemoveConfig(store.KeyOfflineCredentials); err != nil {
		s.logger.Warn("purging expired credentials failed", "error", err)
	}
}
