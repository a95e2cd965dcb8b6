// internal/recovery/classify.go

// Package recovery maps raw reconnection failures to a (category, severity)
// classification and resolves each classification into a concrete recovery
// strategy: what to do next, how long to wait, and what to tell the user.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category buckets a failure by its origin.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategorySession        Category = "session"
	CategoryServer         Category = "server"
	CategoryClient         Category = "client"
	CategoryTimeout        Category = "timeout"
	CategoryRateLimit      Category = "rate_limit"
	CategoryGameState      Category = "game_state"
)

// Severity grades how recoverable a failure is.
type Severity string

const (
	SeverityTemporary   Severity = "temporary"
	SeverityRecoverable Severity = "recoverable"
	SeverityPermanent   Severity = "permanent"
	SeverityCritical    Severity = "critical"
)

// Classification pairs a failure's category with its severity. Derived per
// failure, never persisted.
type Classification struct {
	Category Category
	Severity Severity
}

// StatusError carries an HTTP-style status code from the server alongside its
// message. The classifier gives status codes precedence over message text.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Status, e.Message)
}

// Keyword sets for message-pattern fallback, checked in order. Lowercased
// substring match.
var (
	timeoutKeywords = []string{"timeout", "timed out", "deadline exceeded"}
	networkKeywords = []string{"network", "connection", "disconnect", "offline", "unreachable", "socket", "refused", "reset by peer"}
	authKeywords    = []string{"unauthorized", "forbidden", "authentication", "auth failed", "invalid token", "credential"}
	sessionKeywords = []string{"session"}
	expiredKeywords = []string{"expired", "no longer valid", "stale"}
	serverKeywords  = []string{"internal server", "server error", "unavailable", "bad gateway", "overloaded"}
	rateKeywords    = []string{"rate limit", "too many requests", "slow down"}
	gameKeywords    = []string{"game", "rejoin", "player"}
	endedKeywords   = []string{"game over", "game ended", "already finished", "game not found"}
	clientKeywords  = []string{"bad request", "malformed", "invalid payload", "unsupported"}
)

func containsAny(msg string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

// Classify maps err to its Classification. Status-code rules win over message
// patterns; unmatched errors default to (client, recoverable) so unknown
// failures still get a bounded retry rather than a dead end.
func Classify(err error) Classification {
	if err == nil {
		return Classification{CategoryClient, SeverityRecoverable}
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status >= 500:
			return Classification{CategoryServer, SeverityRecoverable}
		case se.Status == 429:
			return Classification{CategoryRateLimit, SeverityTemporary}
		case se.Status == 401 || se.Status == 403:
			return Classification{CategoryAuthentication, SeverityPermanent}
		case se.Status >= 400:
			return Classification{CategoryClient, SeverityPermanent}
		}
	}

	// Cancellation by a per-attempt deadline is a first-class timeout failure.
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{CategoryTimeout, SeverityTemporary}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, timeoutKeywords):
		return Classification{CategoryTimeout, SeverityTemporary}
	case containsAny(msg, rateKeywords):
		return Classification{CategoryRateLimit, SeverityTemporary}
	case containsAny(msg, authKeywords):
		return Classification{CategoryAuthentication, SeverityPermanent}
	case containsAny(msg, sessionKeywords):
		if containsAny(msg, expiredKeywords) {
			return Classification{CategorySession, SeverityPermanent}
		}
		return Classification{CategorySession, SeverityRecoverable}
	case containsAny(msg, networkKeywords):
		return Classification{CategoryNetwork, SeverityRecoverable}
	case containsAny(msg, serverKeywords):
		return Classification{CategoryServer, SeverityRecoverable}
	case containsAny(msg, endedKeywords):
		return Classification{CategoryGameState, SeverityPermanent}
	case containsAny(msg, gameKeywords):
		return Classification{CategoryGameState, SeverityRecoverable}
	case containsAny(msg, clientKeywords):
		return Classification{CategoryClient, SeverityPermanent}
	default:
		return Classification{CategoryClient, SeverityRecoverable}
	}
}

// Retryable reports whether a classification permits automatic retries.
// Permanent and critical failures never do.
func Retryable(cls Classification) bool {
	return cls.Severity == SeverityTemporary || cls.Severity == SeverityRecoverable
}
