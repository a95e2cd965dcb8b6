// cmd/client/main.go

// Headless demo client: loads config from the environment, arms the
// reconnection controller, and keeps the process alive until interrupted.
// Toasts the controller would show in a UI are written to the log instead.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-client/internal/auth"
	"github.com/jason-s-yu/cambia-client/internal/reconnect"
	"github.com/jason-s-yu/cambia-client/internal/session"
	"github.com/jason-s-yu/cambia-client/internal/transport"
)

// logNotifier routes user-facing reconnection messages to the log.
type logNotifier struct {
	logger *logrus.Logger
}

func (n *logNotifier) AddToast(message, severity string) {
	n.logger.WithFields(logrus.Fields{"severity": severity}).Infof("toast: %s", message)
}

func main() {
	logger := logrus.New()
	if os.Getenv("DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}

	serverURL := os.Getenv("CAMBIA_SERVER_URL")
	if serverURL == "" {
		serverURL = "ws://localhost:8080/game/ws"
	}

	backend, err := buildBackend(logger)
	if err != nil {
		log.Fatalf("failed to initialize session backend: %v", err)
	}
	defer backend.Close()

	store := session.NewStore(map[session.Scope]session.Backend{
		session.ScopeEphemeral: session.NewMemoryBackend(),
		session.ScopeDurable:   backend,
	}, logger)

	tmCfg := transport.DefaultConfig()
	tmCfg.URL = serverURL
	tm := transport.NewManager(tmCfg, logger)
	defer tm.Disconnect()

	creds := auth.NewTokenProvider(logger)
	if token := os.Getenv("CAMBIA_AUTH_TOKEN"); token != "" {
		creds.SetToken(token)
	}

	cfg := reconnect.DefaultConfig()
	if os.Getenv("RECONNECT_DISABLED") != "" {
		cfg.Enabled = false
	}

	ctrl := reconnect.NewController(cfg, store, tm, creds,
		reconnect.GameCallbacks{
			SetGameState: func(gs session.GameState) {
				logger.Infof("restored game state: %s", gs)
			},
			SetGameID: func(id string) {
				logger.Infof("restored game id: %s", id)
			},
			SetPlayerID: func(id string) {
				logger.Infof("restored player id: %s", id)
			},
			SetPlayerName: func(name string) {
				logger.Infof("restored player name: %s", name)
			},
		},
		&logNotifier{logger: logger}, logger)
	if err := ctrl.Start(); err != nil {
		log.Fatalf("failed to start reconnection controller: %v", err)
	}
	defer ctrl.Close()

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Infof("metrics listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warnf("metrics server exited: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Infof("received %s, shutting down", s)
}

// buildBackend picks the durable session backend from SESSION_BACKEND:
// "redis", "file" (default), or "memory".
func buildBackend(logger *logrus.Logger) (session.Backend, error) {
	switch os.Getenv("SESSION_BACKEND") {
	case "redis":
		return session.NewRedisBackend(logger)
	case "memory":
		return session.NewMemoryBackend(), nil
	default:
		dir := os.Getenv("SESSION_DIR")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			dir = home + "/.cambia/session"
		}
		return session.NewFileBackend(dir, logger)
	}
}
