// internal/transport/events.go
package transport

import (
	"encoding/json"
	"errors"

	"github.com/jason-s-yu/cambia-client/internal/recovery"
)

// Lifecycle events emitted by the Manager itself.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventConnectError = "connect_error"
)

// Domain events re-emitted from server frames.
const (
	EventAuthenticated  = "authenticated"
	EventAuthError      = "auth_error"
	EventGuestConnected = "guest_connected"
	EventRejoinSuccess  = "rejoinSuccess"
	EventRejoinError    = "rejoinError"
)

// Outbound frame types.
const (
	frameAuthenticate = "authenticate"
	frameGuest        = "guest"
	FrameRejoinGame   = "rejoinGame"
)

// frame is the JSON envelope every message travels in, in both directions.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is what listeners receive: the event name plus its raw payload.
type Event struct {
	Type string
	Data json.RawMessage
}

// AuthRequest is the credentialed hello payload.
type AuthRequest struct {
	Token string `json:"token"`
}

// RejoinRequest asks the server to reattach this client to its prior game.
type RejoinRequest struct {
	GameID     string `json:"gameId"`
	PlayerName string `json:"playerName"`
}

// RejoinResult is the server's rejoinSuccess payload.
type RejoinResult struct {
	GameID      string `json:"gameId"`
	PlayerID    string `json:"playerId"`
	PlayerName  string `json:"playerName"`
	GameState   string `json:"gameState"`
	PlayerCount int    `json:"playerCount"`
}

// ErrorPayload is the shape of auth_error and rejoinError frames.
type ErrorPayload struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

// DisconnectReason accompanies the disconnected lifecycle event.
type DisconnectReason struct {
	Reason string `json:"reason"`
}

// DecodeError converts an error frame's payload into a Go error the
// classifier understands. Status codes are preserved on a StatusError.
func DecodeError(data json.RawMessage) error {
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil || (p.Status == 0 && p.Message == "") {
		return errors.New("server reported an unspecified error")
	}
	if p.Status > 0 {
		return &recovery.StatusError{Status: p.Status, Message: p.Message}
	}
	return errors.New(p.Message)
}
