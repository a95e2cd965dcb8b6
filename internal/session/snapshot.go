// internal/session/snapshot.go
package session

import "time"

// GameState mirrors the server's coarse lifecycle phase for a game.
type GameState string

const (
	GameStateSetup    GameState = "setup"
	GameStatePlaying  GameState = "playing"
	GameStateFinished GameState = "finished"
)

// UserType distinguishes how the client originally authenticated.
type UserType string

const (
	UserTypeGuest         UserType = "guest"
	UserTypeAuthenticated UserType = "authenticated"
)

// SnapshotVersion is stamped into every saved snapshot so older persisted
// layouts can be rejected after an upgrade.
const SnapshotVersion = 1

// Snapshot is the minimal serializable record needed to resume a game after
// a disconnect, reload, or process restart. It is owned exclusively by the
// Store; other packages read and write it only through Save/Load/Clear.
type Snapshot struct {
	SessionID    string    `json:"sessionId,omitempty"`
	GameID       string    `json:"gameId"`
	PlayerID     string    `json:"playerId"`
	PlayerName   string    `json:"playerName"`
	GameState    GameState `json:"gameState"`
	PlayerCount  int       `json:"playerCount"`
	UserType     UserType  `json:"userType"`
	LastActivity int64     `json:"lastActivity"` // unix millis
	SavedAt      int64     `json:"savedAt"`      // unix millis
	Version      int       `json:"version"`
}

// Age returns how long ago the snapshot last saw activity.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.LastActivity))
}

// Metadata is a lightweight record saved alongside the full snapshot so a
// caller can inspect who/what was persisted without deserializing the
// snapshot itself.
type Metadata struct {
	PlayerID  string `json:"playerId"`
	GameID    string `json:"gameId"`
	LastSaved int64  `json:"lastSaved"`
	Scope     Scope  `json:"scope"`
}

// ReconnectContext captures per-episode retry bookkeeping that should survive
// a reload mid-episode. It is persisted under its own key, next to the
// snapshot.
type ReconnectContext struct {
	AttemptCount int   `json:"attemptCount"`
	LastAttempt  int64 `json:"lastAttempt"` // unix millis
}
