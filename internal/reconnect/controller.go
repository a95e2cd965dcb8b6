// internal/reconnect/controller.go

// Package reconnect drives session continuity: it detects a restorable
// session snapshot, re-establishes the transport, replays the rejoin
// round trip with the server, and hands the restored game state back to the
// host application through injected callbacks.
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-client/internal/auth"
	"github.com/jason-s-yu/cambia-client/internal/metrics"
	"github.com/jason-s-yu/cambia-client/internal/recovery"
	"github.com/jason-s-yu/cambia-client/internal/retry"
	"github.com/jason-s-yu/cambia-client/internal/session"
	"github.com/jason-s-yu/cambia-client/internal/timeout"
	"github.com/jason-s-yu/cambia-client/internal/transport"
)

// Trigger names, logged with every episode so flooding sources are visible.
const (
	triggerStartup    = "startup"
	triggerInterval   = "interval"
	triggerExternal   = "external_change"
	triggerForeground = "foreground"
	triggerDisconnect = "disconnect"
	triggerManual     = "manual"
)

// Config controls the controller.
type Config struct {
	// Enabled false puts the controller permanently in StateDisabled.
	Enabled bool

	// Scope selects the session persistence area snapshots are kept in.
	Scope session.Scope

	// CheckInterval is the periodic restorable-session re-check cadence.
	CheckInterval time.Duration

	// HeartbeatInterval is how often the activity stamp of a live session is
	// refreshed so it does not expire mid-game.
	HeartbeatInterval time.Duration

	// ReconnectTimeout is the base deadline for each connect and rejoin round
	// trip, before adaptive scaling.
	ReconnectTimeout time.Duration

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Scope:             session.ScopeDurable,
		CheckInterval:     30 * time.Second,
		HeartbeatInterval: time.Minute,
		ReconnectTimeout:  10 * time.Second,
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
	}
}

// GameCallbacks hand restored state back to the host application. Invoked
// only on a successful rejoin. Nil funcs are skipped.
type GameCallbacks struct {
	SetGameState  func(session.GameState)
	SetGameID     func(string)
	SetPlayerID   func(string)
	SetPlayerName func(string)
}

// Notifier receives user-facing reconnection messages.
type Notifier interface {
	AddToast(message, severity string)
}

// Controller is the reconnection state machine. At most one episode runs at
// a time; triggers arriving while one is in flight are dropped, not queued.
type Controller struct {
	cfg       Config
	logger    *logrus.Logger
	store     *session.Store
	transport *transport.Manager
	creds     auth.Provider
	callbacks GameCallbacks
	notifier  Notifier
	quality   *timeout.Tracker

	mu             sync.Mutex
	state          State
	inFlight       bool
	attempts       int
	activeGameID   string
	activePlayerID string

	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	unsubStore func()
	unsubDisc  func()
}

// NewController wires the controller to its collaborators. Call Start to
// arm it.
func NewController(cfg Config, store *session.Store, tm *transport.Manager, creds auth.Provider, callbacks GameCallbacks, notifier Notifier, logger *logrus.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		transport: tm,
		creds:     creds,
		callbacks: callbacks,
		notifier:  notifier,
		quality:   timeout.NewTracker(),
		state:     StateIdle,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the current episode's retry count. Reset to zero on
// success and on a manual trigger.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Start arms the controller: an immediate session check, the periodic
// re-check and heartbeat timers, and subscriptions to cross-process session
// changes and transport disconnects.
func (c *Controller) Start() error {
	if !c.cfg.Enabled {
		c.setState(StateDisabled)
		c.logger.Info("reconnection disabled by configuration")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.runCtx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	unsub, err := c.store.Subscribe(c.cfg.Scope, func(snap *session.Snapshot) {
		if snap == nil {
			return // session removed elsewhere; nothing to restore
		}
		c.trigger(triggerExternal)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to session changes: %w", err)
	}
	c.unsubStore = unsub

	c.unsubDisc = c.transport.On(transport.EventDisconnected, func(ev transport.Event) {
		var reason transport.DisconnectReason
		_ = json.Unmarshal(ev.Data, &reason)
		c.logger.Warnf("transport dropped (%s), checking for restorable session", reason.Reason)
		c.trigger(triggerDisconnect)
	})

	c.wg.Add(1)
	go c.timerLoop(ctx)

	c.trigger(triggerStartup)
	return nil
}

// NotifyActive signals that the application returned to the foreground.
func (c *Controller) NotifyActive() {
	c.trigger(triggerForeground)
}

// TriggerCheck manually starts an episode, resetting the retry counter. It
// also works from the terminal error/timeout states, which automatic
// triggers do not. Returns false if an episode is already in flight.
func (c *Controller) TriggerCheck() bool {
	return c.trigger(triggerManual)
}

// PersistSnapshot records the host's current game state so it can be
// restored later. A finished game clears the session instead; finished games
// are never restorable.
func (c *Controller) PersistSnapshot(ctx context.Context, snap *session.Snapshot) error {
	if snap.GameState == session.GameStateFinished {
		c.mu.Lock()
		c.activeGameID = ""
		c.activePlayerID = ""
		c.mu.Unlock()
		return c.store.Clear(ctx, c.cfg.Scope)
	}
	if err := c.store.Save(ctx, snap, c.cfg.Scope); err != nil {
		return err
	}
	c.mu.Lock()
	c.activeGameID = snap.GameID
	c.activePlayerID = snap.PlayerID
	c.mu.Unlock()
	return nil
}

// Close tears down timers and subscriptions and waits for any in-flight
// episode to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c.unsubStore != nil {
		c.unsubStore()
	}
	if c.unsubDisc != nil {
		c.unsubDisc()
	}
	c.wg.Wait()
}

func (c *Controller) timerLoop(ctx context.Context) {
	defer c.wg.Done()
	check := time.NewTicker(c.cfg.CheckInterval)
	defer check.Stop()
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			c.trigger(triggerInterval)
		case <-heartbeat.C:
			c.heartbeat(ctx)
		}
	}
}

// heartbeat refreshes the activity stamp while a game is live so the
// snapshot does not expire under an idle but connected player.
func (c *Controller) heartbeat(ctx context.Context) {
	c.mu.Lock()
	live := c.activeGameID != ""
	c.mu.Unlock()
	if !live {
		return
	}
	if err := c.store.Touch(ctx, c.cfg.Scope); err != nil {
		c.logger.Warnf("activity heartbeat failed: %v", err)
	}
}

// trigger starts an episode unless one is in flight or the current state
// forbids it. Returns whether an episode was started.
func (c *Controller) trigger(reason string) bool {
	c.mu.Lock()
	if c.state == StateDisabled {
		c.mu.Unlock()
		return false
	}
	if c.inFlight {
		c.mu.Unlock()
		c.logger.Debugf("dropping %s trigger, episode already in flight", reason)
		return false
	}
	if reason == triggerManual {
		c.attempts = 0
	} else if !c.state.resting() {
		c.mu.Unlock()
		c.logger.Debugf("dropping %s trigger in state %s", reason, c.state)
		return false
	}
	c.inFlight = true
	ctx := c.runCtx
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	c.wg.Add(1)
	go c.runEpisode(ctx, reason)
	return true
}

// runEpisode executes one complete reconnection episode. The in-flight flag
// is held from here through the terminal state and released in the deferred
// completion handler, including on panics.
func (c *Controller) runEpisode(ctx context.Context, reason string) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("reconnection episode panicked: %v", r)
			c.setState(StateError)
		}
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	c.setState(StateChecking)
	c.logger.WithFields(logrus.Fields{"trigger": reason}).Debug("checking for restorable session")

	snap, err := c.store.Load(ctx, c.cfg.Scope)
	if err != nil {
		c.logger.Warnf("session check failed: %v", err)
		c.setState(StateIdle)
		return
	}
	if snap == nil {
		c.setState(StateIdle)
		return
	}
	if snap.GameState == session.GameStateFinished {
		// Defensive: Save refuses these, but another writer may not have.
		_ = c.store.Clear(ctx, c.cfg.Scope)
		c.setState(StateIdle)
		return
	}

	// The snapshot matching the locally-known game only counts as live while
	// the transport is actually connected; after a drop the ids still match
	// but the session very much needs restoring.
	c.mu.Lock()
	idsMatch := c.activeGameID != "" && snap.GameID == c.activeGameID && snap.PlayerID == c.activePlayerID
	c.mu.Unlock()
	if idsMatch && c.transport.State() == transport.StateConnected {
		c.logger.Debugf("session for game %s already live on the connected transport, nothing to restore", snap.GameID)
		c.setState(StateIdle)
		return
	}

	// An interrupted episode (process restart mid-reconnect) leaves its retry
	// progress in the store; pick the budget up where it left off rather than
	// granting a full fresh one. Manual triggers always start fresh, and a
	// context older than the longest backoff delay is from some earlier
	// incident, not this one.
	if reason != triggerManual {
		if rc, err := c.store.LoadContext(ctx, c.cfg.Scope); err == nil && rc != nil && rc.AttemptCount > 0 {
			if time.Since(time.UnixMilli(rc.LastAttempt)) <= 2*c.cfg.MaxDelay {
				c.mu.Lock()
				if c.attempts == 0 {
					c.attempts = rc.AttemptCount
				}
				c.mu.Unlock()
				c.logger.Debugf("resuming reconnection after %d prior attempts", rc.AttemptCount)
			}
		}
	}

	c.logger.WithFields(logrus.Fields{
		"gameId":   snap.GameID,
		"playerId": snap.PlayerID,
		"trigger":  reason,
	}).Info("restorable session found, reconnecting")

	// One voluntary loop-back for the resolver's rejoin action: retry the
	// whole episode once with the existing snapshot before going terminal.
	for rejoinRetries := 0; ; rejoinRetries++ {
		result, err := c.attemptReconnect(ctx, reason, snap)
		if err == nil {
			c.complete(ctx, snap, result, reason)
			return
		}
		if ctx.Err() != nil {
			c.setState(StateIdle) // shutdown, not a failure
			return
		}
		if c.terminal(ctx, reason, snap, err, rejoinRetries) {
			return
		}
	}
}

// attemptReconnect drives connect + rejoin under the retry orchestrator.
// Backoff delays come from the recovery resolver; each attempt is bounded by
// the adaptive timeout calculator.
func (c *Controller) attemptReconnect(ctx context.Context, reason string, snap *session.Snapshot) (*transport.RejoinResult, error) {
	var result *transport.RejoinResult

	// Attempts carried over from a resumed context count against the budget.
	c.mu.Lock()
	prior := c.attempts
	c.mu.Unlock()
	budget := c.cfg.MaxAttempts - prior
	if budget < 0 {
		budget = 0
	}

	err := retry.Do(ctx, c.logger, func(attemptCtx context.Context) error {
		metrics.AttemptsTotal.Inc()
		res, err := c.pass(attemptCtx, snap)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, retry.Options{
		MaxAttempts: budget,
		BaseDelay:   c.cfg.BaseDelay,
		MaxDelay:    c.cfg.MaxDelay,
		Jitter:      true,
		AttemptTimeout: func(attempt int) time.Duration {
			return timeout.Calculate(c.cfg.ReconnectTimeout, timeout.Params{
				Quality:      c.quality.Quality(),
				PeerCount:    snap.PlayerCount,
				Complexity:   timeout.ComplexityComplex, // connect plus rejoin
				IsRetry:      attempt > 0,
				RetryAttempt: attempt,
			})
		},
		OnTimeout: func(attempt int) {
			c.logger.Warnf("reconnection attempt %d cancelled by its deadline", attempt+1)
		},
		DelayFor: func(attempt int, err error) time.Duration {
			cls := recovery.Classify(err)
			metrics.FailuresTotal.WithLabelValues(string(cls.Category), string(cls.Severity)).Inc()

			total := prior + attempt
			strat := recovery.Resolve(cls, recovery.Context{
				AttemptCount: total,
				MaxAttempts:  c.cfg.MaxAttempts,
				GameState:    string(snap.GameState),
				BaseDelay:    c.cfg.BaseDelay,
				MaxDelay:     c.cfg.MaxDelay,
			})

			c.mu.Lock()
			c.attempts = total + 1
			c.mu.Unlock()

			// Checkpoint retry progress so a process restart mid-episode
			// resumes the budget instead of resetting it.
			if saveErr := c.store.SaveContext(ctx, &session.ReconnectContext{
				AttemptCount: total + 1,
				LastAttempt:  time.Now().UnixMilli(),
			}, c.cfg.Scope); saveErr != nil {
				c.logger.Warnf("failed to persist reconnect progress: %v", saveErr)
			}

			if strat.ShouldNotifyUser && c.userImpacting(reason, total, cls.Severity, snap.GameState) {
				c.toast(strat.UserMessage, toastSeverity(cls.Severity))
			}
			c.logger.WithFields(logrus.Fields{
				"attempt":  total + 1,
				"category": cls.Category,
				"severity": cls.Severity,
				"delay":    strat.Delay,
			}).Info("reconnection attempt failed, retrying")
			return strat.Delay
		},
	})
	return result, err
}

// pass is one checking-to-rejoin sweep: connect the transport with the
// snapshot's identity kind, then replay the rejoin round trip.
func (c *Controller) pass(ctx context.Context, snap *session.Snapshot) (*transport.RejoinResult, error) {
	c.setState(StateConnecting)

	c.mu.Lock()
	attempt := c.attempts
	c.mu.Unlock()

	tmo := timeout.Calculate(c.cfg.ReconnectTimeout, timeout.Params{
		Quality:      c.quality.Quality(),
		PeerCount:    snap.PlayerCount,
		Complexity:   timeout.ComplexityModerate,
		IsRetry:      attempt > 0,
		RetryAttempt: attempt,
	})

	connectCtx, cancel := context.WithTimeout(ctx, tmo)
	defer cancel()

	var err error
	if snap.UserType == session.UserTypeAuthenticated && c.creds.IsAuthenticated() {
		err = c.transport.ConnectWithToken(connectCtx, c.creds.Token())
	} else {
		if snap.UserType == session.UserTypeAuthenticated {
			c.logger.Warn("snapshot expects a credential but none is valid, reconnecting as guest")
		}
		err = c.transport.ConnectAsGuest(connectCtx)
	}
	if err != nil {
		return nil, err
	}

	c.setState(StateRejoining)
	start := time.Now()
	data, err := c.transport.Request(ctx, transport.FrameRejoinGame,
		transport.RejoinRequest{GameID: snap.GameID, PlayerName: snap.PlayerName},
		transport.EventRejoinSuccess, transport.EventRejoinError, tmo)
	if err != nil {
		return nil, err
	}

	rtt := time.Since(start)
	c.quality.Observe(rtt)
	metrics.RejoinDuration.Observe(rtt.Seconds())

	var res transport.RejoinResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("malformed rejoin reply: %w", err)
	}
	return &res, nil
}

// complete applies a successful rejoin: restored state out through the
// callbacks, a refreshed snapshot into the store, retry state reset.
func (c *Controller) complete(ctx context.Context, snap *session.Snapshot, res *transport.RejoinResult, reason string) {
	c.mu.Lock()
	hadFailures := c.attempts > 0
	c.mu.Unlock()

	if c.callbacks.SetGameState != nil {
		c.callbacks.SetGameState(session.GameState(res.GameState))
	}
	if c.callbacks.SetGameID != nil {
		c.callbacks.SetGameID(res.GameID)
	}
	if c.callbacks.SetPlayerID != nil {
		c.callbacks.SetPlayerID(res.PlayerID)
	}
	if c.callbacks.SetPlayerName != nil && res.PlayerName != "" {
		c.callbacks.SetPlayerName(res.PlayerName)
	}

	refreshed := *snap
	refreshed.GameID = res.GameID
	refreshed.PlayerID = res.PlayerID
	if res.PlayerName != "" {
		refreshed.PlayerName = res.PlayerName
	}
	refreshed.GameState = session.GameState(res.GameState)
	if res.PlayerCount > 0 {
		refreshed.PlayerCount = res.PlayerCount
	}
	if err := c.PersistSnapshot(ctx, &refreshed); err != nil && !errors.Is(err, session.ErrGameFinished) {
		c.logger.Warnf("failed to persist refreshed snapshot: %v", err)
	}
	if err := c.store.SaveContext(ctx, &session.ReconnectContext{}, c.cfg.Scope); err != nil {
		c.logger.Warnf("failed to reset reconnect progress: %v", err)
	}

	c.mu.Lock()
	c.attempts = 0
	c.state = StateSuccess
	c.mu.Unlock()

	metrics.EpisodesTotal.WithLabelValues("success").Inc()
	c.logger.WithFields(logrus.Fields{
		"gameId":   res.GameID,
		"playerId": res.PlayerID,
		"trigger":  reason,
	}).Info("session restored")

	if hadFailures {
		c.toast("Reconnected to your game.", "success")
	}
}

// terminal handles a failure the orchestrator gave up on. Returns true when
// the episode should stop; false requests one more sweep with the existing
// snapshot (the resolver's rejoin action).
func (c *Controller) terminal(ctx context.Context, reason string, snap *session.Snapshot, err error, rejoinRetries int) bool {
	// Classify the underlying failure, not the exhaustion wrapper.
	cause := err
	var ex *retry.ExhaustedError
	exhausted := errors.As(err, &ex)
	if exhausted {
		cause = ex.Last
	}
	cls := recovery.Classify(cause)

	attempts := c.cfg.MaxAttempts
	if !exhausted {
		c.mu.Lock()
		attempts = c.attempts
		c.mu.Unlock()
	}
	strat := recovery.Resolve(cls, recovery.Context{
		AttemptCount: attempts,
		MaxAttempts:  c.cfg.MaxAttempts,
		GameState:    string(snap.GameState),
		BaseDelay:    c.cfg.BaseDelay,
		MaxDelay:     c.cfg.MaxDelay,
	})

	if strat.Action == recovery.ActionRejoin && rejoinRetries == 0 {
		c.logger.Info("session rejected server-side, retrying rejoin with existing snapshot")
		return false
	}

	switch strat.Action {
	case recovery.ActionClearSession, recovery.ActionRefresh:
		if clearErr := c.store.Clear(ctx, c.cfg.Scope); clearErr != nil {
			c.logger.Warnf("failed to clear session after terminal failure: %v", clearErr)
		}
	}

	terminalState := StateError
	if cls.Category == recovery.CategoryTimeout {
		terminalState = StateTimeout
	}
	c.setState(terminalState)
	metrics.EpisodesTotal.WithLabelValues(terminalState.String()).Inc()

	if strat.ShouldNotifyUser {
		msg := strat.UserMessage
		if strat.UserAction != "" {
			msg += " " + strat.UserAction
		}
		c.toast(msg, toastSeverity(cls.Severity))
	}

	c.logger.WithFields(logrus.Fields{
		"trigger":  reason,
		"category": cls.Category,
		"severity": cls.Severity,
		"action":   strat.Action,
		"state":    terminalState,
	}).Warn("reconnection episode failed")
	return true
}

// userImpacting decides whether a failure deserves user-visible noise: any
// retry beyond the first, anything worse than a temporary blip, or a
// transport drop observed during active play.
func (c *Controller) userImpacting(reason string, attempt int, severity recovery.Severity, gameState session.GameState) bool {
	if attempt > 0 {
		return true
	}
	if severity != recovery.SeverityTemporary {
		return true
	}
	return reason == triggerDisconnect && gameState == session.GameStatePlaying
}

func (c *Controller) toast(message, severity string) {
	if c.notifier == nil {
		return
	}
	c.notifier.AddToast(message, severity)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func toastSeverity(s recovery.Severity) string {
	switch s {
	case recovery.SeverityTemporary, recovery.SeverityRecoverable:
		return "warning"
	default:
		return "error"
	}
}
