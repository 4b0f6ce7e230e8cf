package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"poscart/internal/kv"
	"poscart/internal/metrics"
)

const keyPrefix = "sess:"

var ErrNotFound = errors.New("session: not found")

type Config struct {
	TTL         time.Duration // idle window (default: 1h)
	MaxLifetime time.Duration // absolute cap regardless of activity (default: 24h)
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = 24 * time.Hour
	}
	return cfg
}

// Store persists sessions in the shared kv store, keyed by the opaque session
// id. All workers on all terminals resolve against the same records.
type Store struct {
	kv      kv.Store
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewStore(store kv.Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:      store,
		cfg:     cfg.WithDefaults(),
		metrics: m,
		logger:  logger.Named("session"),
		now:     time.Now,
	}
}

// Resolve returns the valid session identified by clientToken, or creates a
// fresh one when the token is absent, expired, or bound to a different
// terminal/user. The returned session's ID is the client token to hand back.
func (s *Store) Resolve(ctx context.Context, terminalID, userID, clientToken, fingerprint string) (*Session, error) {
	if clientToken != "" {
		sess, err := s.load(ctx, clientToken)
		if err == nil && s.IsValid(sess) && sess.TerminalID == terminalID && sess.UserID == userID {
			return sess, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	now := s.now()
	id, err := newSessionID(terminalID, userID, fingerprint, now)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:           id,
		TerminalID:   terminalID,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.cfg.TTL),
		Meta:         make(map[string]json.RawMessage),
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SessionsCreatedTotal.Inc()
	}
	s.logger.Info("session created",
		zap.String("terminal_id", terminalID),
		zap.String("user_id", userID),
	)
	return sess, nil
}

// IsValid reports whether the session is within both its idle window and its
// absolute lifetime. A stale record that has not been swept yet still reports
// invalid here.
func (s *Store) IsValid(sess *Session) bool {
	if sess == nil {
		return false
	}
	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		return false
	}
	return now.Before(sess.CreatedAt.Add(s.cfg.MaxLifetime))
}

// SetData stores arbitrary metadata under key and refreshes the idle window.
func (s *Store) SetData(ctx context.Context, sess *Session, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("session data marshal: %w", err)
	}
	if sess.Meta == nil {
		sess.Meta = make(map[string]json.RawMessage)
	}
	sess.Meta[key] = raw
	return s.touchAndPersist(ctx, sess)
}

// GetData unmarshals the metadata stored under key into dest.
func (s *Store) GetData(sess *Session, key string, dest any) (bool, error) {
	raw, ok := sess.Meta[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("session data unmarshal: %w", err)
	}
	return true, nil
}

// SetCartSnapshot persists the serialized cart and refreshes the idle window.
func (s *Store) SetCartSnapshot(ctx context.Context, sess *Session, snapshot json.RawMessage) error {
	sess.CartSnapshot = snapshot
	return s.touchAndPersist(ctx, sess)
}

// CartSnapshot returns the last persisted cart, or nil when none exists.
func (s *Store) CartSnapshot(sess *Session) json.RawMessage {
	return sess.CartSnapshot
}

// SetCustomer records the customer selected at the terminal.
func (s *Store) SetCustomer(ctx context.Context, sess *Session, customerID string) error {
	sess.CustomerID = customerID
	return s.touchAndPersist(ctx, sess)
}

// Extend pushes the expiry back by extra, capped at the absolute lifetime
// counted from creation. Extending an already-dead session fails.
func (s *Store) Extend(ctx context.Context, sess *Session, extra time.Duration) error {
	if !s.IsValid(sess) {
		return ErrNotFound
	}

	expiresAt := sess.ExpiresAt.Add(extra)
	if limit := sess.CreatedAt.Add(s.cfg.MaxLifetime); expiresAt.After(limit) {
		expiresAt = limit
	}
	sess.ExpiresAt = expiresAt
	sess.LastActivity = s.now()
	return s.persist(ctx, sess)
}

// Destroy removes the session immediately. The caller is responsible for
// clearing the client-side token.
func (s *Store) Destroy(ctx context.Context, sess *Session) error {
	return s.kv.Delete(ctx, keyPrefix+sess.ID)
}

// CleanupExpired sweeps sessions whose TTL or absolute lifetime has lapsed.
// The kv backend's own expiry catches most of these; the sweep handles
// records whose idle window outlived an Extend and any orphans.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	entries, err := s.kv.ScanPrefix(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("session sweep scan: %w", err)
	}

	removed := 0
	for key, raw := range entries {
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			// Unreadable record: orphaned, remove it.
			if delErr := s.kv.Delete(ctx, key); delErr == nil {
				removed++
			}
			continue
		}
		if !s.IsValid(&sess) {
			if delErr := s.kv.Delete(ctx, key); delErr == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		if s.metrics != nil {
			s.metrics.SessionsSweptTotal.Add(float64(removed))
		}
		s.logger.Info("session sweep", zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *Store) touchAndPersist(ctx context.Context, sess *Session) error {
	now := s.now()
	sess.LastActivity = now
	expiresAt := now.Add(s.cfg.TTL)
	if limit := sess.CreatedAt.Add(s.cfg.MaxLifetime); expiresAt.After(limit) {
		expiresAt = limit
	}
	if expiresAt.After(sess.ExpiresAt) {
		sess.ExpiresAt = expiresAt
	}
	return s.persist(ctx, sess)
}

func (s *Store) persist(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session marshal: %w", err)
	}

	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrNotFound
	}
	if err := s.kv.Set(ctx, keyPrefix+sess.ID, raw, ttl); err != nil {
		return fmt.Errorf("session persist: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, id string) (*Session, error) {
	raw, ok, err := s.kv.Get(ctx, keyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("session load: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session unmarshal: %w", err)
	}
	return &sess, nil
}
