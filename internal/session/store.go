// internal/session/store.go

// Package session persists the snapshot a client needs to resume its game
// after a disconnect or restart. All reads and writes go through Store so
// expiry validation and corrupt-entry cleanup can never be bypassed.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Scope selects the persistence area a snapshot lives in.
type Scope string

const (
	// ScopeEphemeral survives reconnects within one process only.
	ScopeEphemeral Scope = "ephemeral"
	// ScopeDurable survives process restarts and is visible to sibling
	// processes sharing the same backend.
	ScopeDurable Scope = "durable"
)

// Expiry is how long a snapshot stays restorable after its last activity.
const Expiry = 30 * time.Minute

// Storage keys. The snapshot, its metadata, the reconnect context, and the
// activity stamp live under separate keys so metadata and freshness can be
// checked without deserializing the full snapshot.
const (
	keySessionID = "cambia:session:id"
	keySnapshot  = "cambia:session:snapshot"
	keyContext   = "cambia:session:context"
	keyActivity  = "cambia:session:activity"
	keyMetadata  = "cambia:session:meta"
)

// ErrGameFinished is returned by Save when the snapshot describes a finished
// game. Finished games are never restorable, so persisting them would only
// create stale entries.
var ErrGameFinished = errors.New("session: refusing to save snapshot of finished game")

// Store validates, persists, and watches session snapshots across one or more
// scoped backends.
type Store struct {
	backends map[Scope]Backend
	logger   *logrus.Logger
	now      func() time.Time // injectable clock for expiry tests
}

// NewStore builds a store over the given scoped backends. Missing scopes are
// tolerated; operations against them return an error.
func NewStore(backends map[Scope]Backend, logger *logrus.Logger) *Store {
	return &Store{
		backends: backends,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Store) backend(scope Scope) (Backend, error) {
	b, ok := s.backends[scope]
	if !ok {
		return nil, fmt.Errorf("session: no backend configured for scope %q", scope)
	}
	return b, nil
}

// Save stamps lastActivity/savedAt and persists the snapshot together with
// its metadata record. Snapshots of finished games are rejected.
func (s *Store) Save(ctx context.Context, snap *Snapshot, scope Scope) error {
	if snap.GameState == GameStateFinished {
		return ErrGameFinished
	}
	b, err := s.backend(scope)
	if err != nil {
		return err
	}

	now := s.now().UnixMilli()
	snap.LastActivity = now
	snap.SavedAt = now
	snap.Version = SnapshotVersion

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	meta, err := json.Marshal(Metadata{
		PlayerID:  snap.PlayerID,
		GameID:    snap.GameID,
		LastSaved: now,
		Scope:     scope,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	if err := b.Set(ctx, keySnapshot, string(data)); err != nil {
		return err
	}
	if err := b.Set(ctx, keyMetadata, string(meta)); err != nil {
		return err
	}
	if err := b.Set(ctx, keyActivity, strconv.FormatInt(now, 10)); err != nil {
		return err
	}
	if snap.SessionID != "" {
		if err := b.Set(ctx, keySessionID, snap.SessionID); err != nil {
			return err
		}
	}
	s.logger.WithFields(logrus.Fields{
		"gameId":   snap.GameID,
		"playerId": snap.PlayerID,
		"scope":    scope,
	}).Debug("session snapshot saved")
	return nil
}

// Load returns the stored snapshot, or nil when there is none. Expired or
// undecodable entries are deleted eagerly and reported as absent rather than
// surfaced as errors; a second Load after cleanup also returns nil.
func (s *Store) Load(ctx context.Context, scope Scope) (*Snapshot, error) {
	b, err := s.backend(scope)
	if err != nil {
		return nil, err
	}

	raw, err := b.Get(ctx, keySnapshot)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.logger.Warnf("discarding corrupt session snapshot in %s scope: %v", scope, err)
		_ = s.Clear(ctx, scope)
		return nil, nil
	}
	if !s.IsValid(&snap) {
		s.logger.WithFields(logrus.Fields{
			"gameId": snap.GameID,
			"age":    snap.Age(s.now()),
			"scope":  scope,
		}).Info("discarding expired session snapshot")
		_ = s.Clear(ctx, scope)
		return nil, nil
	}
	return &snap, nil
}

// Clear removes every session key in the scope. Missing keys are not errors.
func (s *Store) Clear(ctx context.Context, scope Scope) error {
	b, err := s.backend(scope)
	if err != nil {
		return err
	}
	var firstErr error
	for _, key := range []string{keySnapshot, keyMetadata, keyActivity, keySessionID, keyContext} {
		if err := b.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsValid reports whether the snapshot is structurally usable and fresh
// enough to restore from.
func (s *Store) IsValid(snap *Snapshot) bool {
	if snap == nil {
		return false
	}
	if snap.GameID == "" || snap.PlayerID == "" {
		return false
	}
	if snap.Version != SnapshotVersion {
		return false
	}
	return snap.Age(s.now()) <= Expiry
}

// Touch refreshes the activity stamp without rewriting the snapshot. Used by
// the activity heartbeat while a game is live.
func (s *Store) Touch(ctx context.Context, scope Scope) error {
	b, err := s.backend(scope)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	if err := b.Set(ctx, keyActivity, strconv.FormatInt(now, 10)); err != nil {
		return err
	}

	// Keep the snapshot's own stamp in sync so expiry is judged from real
	// activity, not the last full save.
	raw, err := b.Get(ctx, keySnapshot)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil // Load will clean this up
	}
	snap.LastActivity = now
	data, err := json.Marshal(&snap)
	if err != nil {
		return err
	}
	return b.Set(ctx, keySnapshot, string(data))
}

// Metadata returns the lightweight metadata record, or nil when absent.
func (s *Store) Metadata(ctx context.Context, scope Scope) (*Metadata, error) {
	b, err := s.backend(scope)
	if err != nil {
		return nil, err
	}
	raw, err := b.Get(ctx, keyMetadata)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		_ = b.Delete(ctx, keyMetadata)
		return nil, nil
	}
	return &meta, nil
}

// SaveContext persists per-episode retry bookkeeping.
func (s *Store) SaveContext(ctx context.Context, rc *ReconnectContext, scope Scope) error {
	b, err := s.backend(scope)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to marshal reconnect context: %w", err)
	}
	return b.Set(ctx, keyContext, string(data))
}

// LoadContext returns the persisted reconnect context, or nil when absent.
func (s *Store) LoadContext(ctx context.Context, scope Scope) (*ReconnectContext, error) {
	b, err := s.backend(scope)
	if err != nil {
		return nil, err
	}
	raw, err := b.Get(ctx, keyContext)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rc ReconnectContext
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		_ = b.Delete(ctx, keyContext)
		return nil, nil
	}
	return &rc, nil
}

// Subscribe invokes fn with the freshly loaded (and validated) snapshot
// whenever another execution context mutates the scope's snapshot key. fn
// receives nil when the external change removed or invalidated the session.
// Same-process writes through this Store never fire fn.
func (s *Store) Subscribe(scope Scope, fn func(*Snapshot)) (func(), error) {
	b, err := s.backend(scope)
	if err != nil {
		return nil, err
	}
	return b.Subscribe(func(key, _ string) {
		if key != keySnapshot {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := s.Load(ctx, scope)
		if err != nil {
			s.logger.Warnf("failed to load snapshot after external change: %v", err)
			return
		}
		fn(snap)
	})
}
