// internal/recovery/strategy.go
package recovery

import (
	"math"
	"time"
)

// Action is what the reconnection controller should do about a failure.
type Action string

const (
	ActionRetry        Action = "retry"
	ActionRefresh      Action = "refresh"
	ActionRejoin       Action = "rejoin"
	ActionClearSession Action = "clear_session"
	ActionWait         Action = "wait"
	ActionManual       Action = "manual"
	ActionEscalate     Action = "escalate"
)

// waitDelayCap bounds the pause for temporary blips regardless of attempt
// count; they resolve themselves or they escalate into a harder failure.
const waitDelayCap = 5 * time.Second

// Strategy is the resolved response to one classified failure.
type Strategy struct {
	Action           Action
	Delay            time.Duration
	MaxDelay         time.Duration
	UserMessage      string
	UserAction       string
	ShouldNotifyUser bool
}

// Context carries the attempt bookkeeping and game phase the resolver needs.
type Context struct {
	AttemptCount int
	MaxAttempts  int
	GameState    string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// backoff computes min(base * 2^attempt, limit).
func backoff(base time.Duration, attempt int, limit time.Duration) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// Resolve maps a classification plus attempt context to a Strategy. Every
// strategy carries ShouldNotifyUser; it is false only for a first temporary
// blip, so a single transient hiccup never produces user-visible noise.
func Resolve(cls Classification, ctx Context) Strategy {
	base := ctx.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := ctx.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	notify := !(cls.Severity == SeverityTemporary && ctx.AttemptCount == 0)

	switch cls.Severity {
	case SeverityTemporary:
		return Strategy{
			Action:           ActionWait,
			Delay:            backoff(base, ctx.AttemptCount, waitDelayCap),
			MaxDelay:         waitDelayCap,
			UserMessage:      "Connection hiccup, retrying...",
			ShouldNotifyUser: notify,
		}

	case SeverityRecoverable:
		if ctx.AttemptCount < ctx.MaxAttempts {
			return Strategy{
				Action:           ActionRetry,
				Delay:            backoff(base, ctx.AttemptCount, maxDelay),
				MaxDelay:         maxDelay,
				UserMessage:      "Reconnecting to your game...",
				ShouldNotifyUser: notify,
			}
		}
		return Strategy{
			Action:           ActionManual,
			UserMessage:      "Could not reconnect automatically.",
			UserAction:       "Refresh to try again.",
			ShouldNotifyUser: true,
		}

	case SeverityPermanent:
		switch cls.Category {
		case CategoryAuthentication:
			return Strategy{
				Action:           ActionRefresh,
				UserMessage:      "Your sign-in is no longer valid.",
				UserAction:       "Sign in again to continue.",
				ShouldNotifyUser: true,
			}
		case CategorySession:
			return Strategy{
				Action:           ActionRejoin,
				UserMessage:      "Your session lapsed, rejoining the game...",
				ShouldNotifyUser: true,
			}
		case CategoryGameState:
			return Strategy{
				Action:           ActionClearSession,
				UserMessage:      "That game has already ended.",
				UserAction:       "Return home to start a new one.",
				ShouldNotifyUser: true,
			}
		default:
			return Strategy{
				Action:           ActionManual,
				UserMessage:      "Something went wrong that we can't retry.",
				UserAction:       "Refresh to try again.",
				ShouldNotifyUser: true,
			}
		}

	default: // SeverityCritical
		return Strategy{
			Action:           ActionEscalate,
			UserMessage:      "A serious error occurred.",
			UserAction:       "Please reload the application.",
			ShouldNotifyUser: true,
		}
	}
}
