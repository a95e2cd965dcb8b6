// internal/reconnect/controller_test.go
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/cambia-client/internal/recovery"
	"github.com/jason-s-yu/cambia-client/internal/session"
	"github.com/jason-s-yu/cambia-client/internal/transport"
)

// wireFrame mirrors the transport's JSON envelope for scripting the fake
// server side.
type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// fakeSocket plays the server: frames written by the client are handed to
// onFrame, which can push replies. drop simulates the server side going away,
// failing the pending read the way a closed TCP connection would.
type fakeSocket struct {
	mu       sync.Mutex
	inbound  chan []byte
	closed   chan struct{}
	dropOnce sync.Once
	onFrame  func(f wireFrame)
}

func newFakeSocket(onFrame func(f wireFrame)) *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
		onFrame: onFrame,
	}
}

func (s *fakeSocket) drop() {
	s.dropOnce.Do(func() { close(s.closed) })
}

func (s *fakeSocket) push(frameType string, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	out, _ := json.Marshal(wireFrame{Type: frameType, Data: data})
	s.inbound <- out
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.closed:
		return nil, errors.New("connection reset by peer")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err == nil && s.onFrame != nil {
		s.onFrame(f)
	}
	return nil
}

func (s *fakeSocket) Close(websocket.StatusCode, string) error { return nil }

// fakeCallbacks records restored state.
type fakeCallbacks struct {
	mu         sync.Mutex
	gameStates []session.GameState
	gameIDs    []string
	playerIDs  []string
	names      []string
}

func (f *fakeCallbacks) callbacks() GameCallbacks {
	return GameCallbacks{
		SetGameState: func(gs session.GameState) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.gameStates = append(f.gameStates, gs)
		},
		SetGameID: func(id string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.gameIDs = append(f.gameIDs, id)
		},
		SetPlayerID: func(id string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.playerIDs = append(f.playerIDs, id)
		},
		SetPlayerName: func(n string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.names = append(f.names, n)
		},
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	toasts []string
}

func (f *fakeNotifier) AddToast(message, severity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toasts = append(f.toasts, severity+": "+message)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.toasts)
}

type fakeCreds struct {
	authed bool
	token  string
}

func (f *fakeCreds) IsAuthenticated() bool { return f.authed }
func (f *fakeCreds) Token() string         { return f.token }

// harness bundles the controller with its scripted collaborators.
type harness struct {
	ctrl      *Controller
	store     *session.Store
	backend   *session.MemoryBackend
	callbacks *fakeCallbacks
	notifier  *fakeNotifier
	tm        *transport.Manager

	mu       sync.Mutex
	dials    int
	lastSock *fakeSocket
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Scope = session.ScopeEphemeral
	cfg.CheckInterval = time.Hour // tests trigger explicitly
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectTimeout = 2 * time.Second
	cfg.MaxAttempts = 5
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	return cfg
}

// newHarness builds a controller whose transport dials fakeSockets driven by
// onFrame.
func newHarness(t *testing.T, cfg Config, onFrame func(sock *fakeSocket, f wireFrame)) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	h := &harness{
		backend:   session.NewMemoryBackend(),
		callbacks: &fakeCallbacks{},
		notifier:  &fakeNotifier{},
	}
	h.store = session.NewStore(map[session.Scope]session.Backend{session.ScopeEphemeral: h.backend}, logger)

	h.tm = transport.NewManager(transport.Config{URL: "ws://test", DialTimeout: time.Second, WriteTimeout: time.Second},
		logger,
		transport.WithDialer(func(ctx context.Context, url string) (transport.Socket, error) {
			var sock *fakeSocket
			sock = newFakeSocket(func(f wireFrame) {
				if onFrame != nil {
					onFrame(sock, f)
				}
			})
			h.mu.Lock()
			h.dials++
			h.lastSock = sock
			h.mu.Unlock()
			return sock, nil
		}))

	h.ctrl = NewController(cfg, h.store, h.tm, &fakeCreds{}, h.callbacks.callbacks(), h.notifier, logger)
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func (h *harness) socket() *fakeSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSock
}

func playingSnapshot() *session.Snapshot {
	return &session.Snapshot{
		GameID:      "g1",
		PlayerID:    "p1",
		PlayerName:  "Alice",
		GameState:   session.GameStatePlaying,
		PlayerCount: 3,
		UserType:    session.UserTypeGuest,
	}
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "controller never reached state %s (now %s)", want, c.State())
}

func TestEndToEndRestoreSuccess(t *testing.T) {
	h := newHarness(t, fastConfig(), func(sock *fakeSocket, f wireFrame) {
		if f.Type == transport.FrameRejoinGame {
			var req transport.RejoinRequest
			assert.NoError(t, json.Unmarshal(f.Data, &req))
			assert.Equal(t, "g1", req.GameID)
			assert.Equal(t, "Alice", req.PlayerName)
			sock.push(transport.EventRejoinSuccess, transport.RejoinResult{
				GameID: "g1", PlayerID: "p1", PlayerName: "Alice",
				GameState: "playing", PlayerCount: 3,
			})
		}
	})

	require.NoError(t, h.store.Save(context.Background(), playingSnapshot(), session.ScopeEphemeral))
	require.NoError(t, h.ctrl.Start())

	waitForState(t, h.ctrl, StateSuccess)

	h.callbacks.mu.Lock()
	defer h.callbacks.mu.Unlock()
	require.Len(t, h.callbacks.gameStates, 1, "SetGameState invoked exactly once")
	assert.Equal(t, session.GameStatePlaying, h.callbacks.gameStates[0])
	assert.Equal(t, []string{"g1"}, h.callbacks.gameIDs)
	assert.Equal(t, []string{"p1"}, h.callbacks.playerIDs)
	assert.Equal(t, 0, h.ctrl.Attempts(), "retry state reset on success")
}

func TestEndToEndRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	rejoins := 0
	h := newHarness(t, fastConfig(), func(sock *fakeSocket, f wireFrame) {
		if f.Type != transport.FrameRejoinGame {
			return
		}
		mu.Lock()
		rejoins++
		n := rejoins
		mu.Unlock()
		if n <= 2 {
			sock.push(transport.EventRejoinError, transport.ErrorPayload{Status: 503, Message: "server unavailable"})
			return
		}
		sock.push(transport.EventRejoinSuccess, transport.RejoinResult{
			GameID: "g1", PlayerID: "p1", GameState: "playing",
		})
	})

	require.NoError(t, h.store.Save(context.Background(), playingSnapshot(), session.ScopeEphemeral))
	require.NoError(t, h.ctrl.Start())

	waitForState(t, h.ctrl, StateSuccess)

	mu.Lock()
	assert.Equal(t, 3, rejoins, "succeeded on the third attempt")
	mu.Unlock()
	assert.Equal(t, 0, h.ctrl.Attempts(), "attempt counter reset after success")
}

func TestRetryProgressCheckpointedAndReset(t *testing.T) {
	var mu sync.Mutex
	rejoins := 0
	midCount := -1
	var h *harness
	h = newHarness(t, fastConfig(), func(sock *fakeSocket, f wireFrame) {
		if f.Type != transport.FrameRejoinGame {
			return
		}
		mu.Lock()
		rejoins++
		n := rejoins
		mu.Unlock()
		if n == 1 {
			sock.push(transport.EventRejoinError, transport.ErrorPayload{Status: 503, Message: "server unavailable"})
			return
		}
		// The retry reaching us here means the first failure was already
		// checkpointed; capture what a restarted process would read.
		if rc, err := h.store.LoadContext(context.Background(), session.ScopeEphemeral); err == nil && rc != nil {
			mu.Lock()
			midCount = rc.AttemptCount
			mu.Unlock()
		}
		sock.push(transport.EventRejoinSuccess, transport.RejoinResult{
			GameID: "g1", PlayerID: "p1", GameState: "playing",
		})
	})

	require.NoError(t, h.store.Save(context.Background(), playingSnapshot(), session.ScopeEphemeral))
	require.NoError(t, h.ctrl.Start())
	waitForState(t, h.ctrl, StateSuccess)

	mu.Lock()
	assert.Equal(t, 1, midCount, "failed attempt persisted before the retry")
	mu.Unlock()

	rc, err := h.store.LoadContext(context.Background(), session.ScopeEphemeral)
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, 0, rc.AttemptCount, "progress zeroed once the rejoin landed")
}

func TestResumedProgressCountsAgainstBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxDelay = time.Second // keep the checkpoint below inside the resume window
	var mu sync.Mutex
	rejoins := 0
	h := newHarness(t, cfg, func(sock *fakeSocket, f wireFrame) {
		if f.Type != transport.FrameRejoinGame {
			return
		}
		mu.Lock()
		rejoins++
		mu.Unlock()
		sock.push(transport.EventRejoinError, transport.ErrorPayload{Status: 503, Message: "server unavailable"})
	})

	// A previous process burned the whole budget before dying mid-episode.
	require.NoError(t, h.store.Save(context.Background(), playingSnapshot(), session.ScopeEphemeral))
	require.NoError(t, h.store.SaveContext(context.Background(), &session.ReconnectContext{
		AttemptCount: cfg.MaxAttempts,
		LastAttempt:  time.Now().UnixMilli(),
	}, session.ScopeEphemeral))

	require.NoError(t, h.ctrl.Start())
	waitForState(t, h.ctrl, StateError)

	mu.Lock()
	assert.Equal(t, 1, rejoins, "exhausted checkpoint leaves a single attempt, not a fresh budget")
	mu.Unlock()
}

func TestStaleProgressGrantsFreshBudget(t *testing.T) {
	cfg := fastConfig()
	var mu sync.Mutex
	rejoins := 0
	h := newHarness(t, cfg, func(sock *fakeSocket, f wireFrame) {
		if f.Type != transport.FrameRejoinGame {
			return
		}
		mu.Lock()
		rejoins++
		mu.Unlock()
		sock.push(transport.EventRejoinError, transport.ErrorPayload{Status: 503, Message: "server unavailable"})
	})

	// A checkpoint from some long-past incident must not shrink this episode.
	require.NoError(t, h.store.Save(context.Background(), playingSnapshot(), session.ScopeEphemeral))
	require.NoError(t, h.store.SaveContext(context.Background(), &session.ReconnectContext{
		AttemptCount: cfg.MaxAttempts,
		LastAttempt:  time.Now().Add(-time.Minute).UnixMilli(),
	}, session.ScopeEphemeral))

	require.NoError(t, h.ctrl.Start())
	waitForState(t, h.ctrl, StateError)

	mu.Lock()
	assert.Equal(t, cfg.MaxAttempts+1, rejoins, "stale checkpoint ignored, full budget spent")
	mu.Unlock()
}

func TestEndToEndAuthFailureIsTerminal(t *testing.T) {
	var mu sync.Mutex
	rejoins := 0
	h := newHarness(t, fastConfig(), func(sock *fakeSocket, f wireFrame) {
		if f.Type != transport.FrameRejoinGame {
			return
		}
		mu.Lock()
		rejoins++
		mu.Unlock()
		sock.push(transport.EventRejoinError, transport.ErrorPayload{Status: 401, Message: "token rejected"})
	})

	require.NoError(t, h.store.Save(context.Background(), playingSnapshot(), session.ScopeEphemeral))
	require.NoError(t, h.ctrl.Start())

	waitForState(t, h.ctrl, StateError)

	mu.Lock()
	assert.Equal(t, 1, rejoins, "permanent failure never retried")
	mu.Unlock()

	// Session cleared so the dead credential cannot loop.
	snap, err := h.store.Load(context.Background(), session.ScopeEphemeral)
	require.NoError(t, err)
	assert.Nil(t, snap)

	assert.GreaterOrEqual(t, h.notifier.count(), 1, "permanent failure surfaces to the user")
}

func TestConcurrentTriggersDropped(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, fastConfig(), func(sock *fakeSocket, f wireFrame) {
		if f.Type == transport.FrameRejoinGame {
			go func() {
				<-block // hold the episode in rejoining
				sock.push(transport.EventRejoinSuccess, transport.RejoinResult{
					GameID: "g1", PlayerID: "p1", GameState: "playing",
				})
			}()
		}
	})
	defer close(block)

	require.NoError(t, h.store.Save(context.Background(), playingSnapshot(), session.ScopeEphemeral))
	require.NoError(t, h.ctrl.Start())

	waitForState(t, h.ctrl, StateRejoining)

	// Every trigger flavor must be a no-op while the episode is in flight.
	assert.False(t, h.ctrl.TriggerCheck())
	h.ctrl.NotifyActive()
	assert.Equal(t, StateRejoining, h.ctrl.State())
	assert.Equal(t, 1, h.dialCount())
}

func TestNoSnapshotReturnsToIdle(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	require.NoError(t, h.ctrl.Start())

	waitForState(t, h.ctrl, StateIdle)
	assert.Equal(t, 0, h.dialCount(), "nothing to restore, nothing dialed")
}

func TestAlreadyLiveSessionSkipsReconnect(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	require.NoError(t, h.ctrl.Start())
	waitForState(t, h.ctrl, StateIdle)

	// Host is connected and reports its game; the persisted snapshot now
	// matches local state on a live transport.
	require.NoError(t, h.tm.ConnectAsGuest(context.Background()))
	require.NoError(t, h.ctrl.PersistSnapshot(context.Background(), playingSnapshot()))
	require.Equal(t, 1, h.dialCount())

	require.True(t, h.ctrl.TriggerCheck())
	assert.Never(t, func() bool { return h.dialCount() > 1 },
		300*time.Millisecond, 10*time.Millisecond, "matching live session must not redial")
	waitForState(t, h.ctrl, StateIdle)
}

func TestDisconnectAfterPersistReconnects(t *testing.T) {
	h := newHarness(t, fastConfig(), func(sock *fakeSocket, f wireFrame) {
		if f.Type == transport.FrameRejoinGame {
			sock.push(transport.EventRejoinSuccess, transport.RejoinResult{
				GameID: "g1", PlayerID: "p1", GameState: "playing",
			})
		}
	})
	require.NoError(t, h.ctrl.Start())
	waitForState(t, h.ctrl, StateIdle)

	// Host connects, plays, and reports its game.
	require.NoError(t, h.tm.ConnectAsGuest(context.Background()))
	require.NoError(t, h.ctrl.PersistSnapshot(context.Background(), playingSnapshot()))
	require.Equal(t, 1, h.dialCount())

	// The server side goes away under the live game. The snapshot still
	// matches the locally-known ids, but that must not mask the dead
	// transport: the controller has to redial and rejoin.
	h.socket().drop()

	waitForState(t, h.ctrl, StateSuccess)
	assert.GreaterOrEqual(t, h.dialCount(), 2, "transport drop must redial")

	h.callbacks.mu.Lock()
	defer h.callbacks.mu.Unlock()
	assert.Equal(t, []string{"g1"}, h.callbacks.gameIDs)
}

func TestFinishedSnapshotClearedNotPersisted(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)

	require.NoError(t, h.ctrl.PersistSnapshot(context.Background(), playingSnapshot()))

	finished := playingSnapshot()
	finished.GameState = session.GameStateFinished
	require.NoError(t, h.ctrl.PersistSnapshot(context.Background(), finished))

	snap, err := h.store.Load(context.Background(), session.ScopeEphemeral)
	require.NoError(t, err)
	assert.Nil(t, snap, "finishing the game clears the session")
}

func TestDisabledControllerIgnoresTriggers(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg, nil)

	require.NoError(t, h.ctrl.Start())
	assert.Equal(t, StateDisabled, h.ctrl.State())
	assert.False(t, h.ctrl.TriggerCheck())
	h.ctrl.NotifyActive()
	assert.Equal(t, StateDisabled, h.ctrl.State())
	assert.Equal(t, 0, h.dialCount())
}

func TestCrossProcessChangeTriggersCheck(t *testing.T) {
	h := newHarness(t, fastConfig(), func(sock *fakeSocket, f wireFrame) {
		if f.Type == transport.FrameRejoinGame {
			sock.push(transport.EventRejoinSuccess, transport.RejoinResult{
				GameID: "g2", PlayerID: "p2", GameState: "playing",
			})
		}
	})
	require.NoError(t, h.ctrl.Start())
	waitForState(t, h.ctrl, StateIdle)

	// Another process writes a fresh snapshot.
	external := playingSnapshot()
	external.GameID = "g2"
	external.PlayerID = "p2"
	external.LastActivity = time.Now().UnixMilli()
	external.SavedAt = external.LastActivity
	external.Version = session.SnapshotVersion
	data, err := json.Marshal(external)
	require.NoError(t, err)
	h.backend.PublishExternal("cambia:session:snapshot", string(data))

	waitForState(t, h.ctrl, StateSuccess)

	h.callbacks.mu.Lock()
	defer h.callbacks.mu.Unlock()
	assert.Equal(t, []string{"g2"}, h.callbacks.gameIDs)
}

func TestUserImpactingPredicate(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	c := h.ctrl

	// First temporary blip from a background timer stays quiet.
	assert.False(t, c.userImpacting(triggerInterval, 0, recovery.SeverityTemporary, session.GameStatePlaying))

	// Any retry is user-visible.
	assert.True(t, c.userImpacting(triggerInterval, 1, recovery.SeverityTemporary, session.GameStatePlaying))

	// Anything worse than temporary is user-visible.
	assert.True(t, c.userImpacting(triggerInterval, 0, recovery.SeverityRecoverable, session.GameStatePlaying))

	// A transport drop mid-play is user-visible even on the first attempt.
	assert.True(t, c.userImpacting(triggerDisconnect, 0, recovery.SeverityTemporary, session.GameStatePlaying))
	assert.False(t, c.userImpacting(triggerDisconnect, 0, recovery.SeverityTemporary, session.GameStateSetup))
}
