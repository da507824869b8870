package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/voicelayer/relay/internal/config"
	"github.com/voicelayer/relay/internal/hub"
	"github.com/voicelayer/relay/internal/transport"
	"github.com/voicelayer/relay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relay.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"addr", cfg.Server.Addr,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	h := hub.New(cfg.Hub, logger)
	if err := h.Start(ctx); err != nil {
		logger.Error("failed to start hub", "error", err)
		os.Exit(1)
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: cfg.Hub.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.Metrics())
	})

	r.Get("/ws/{conversation}", func(w http.ResponseWriter, r *http.Request) {
		convID := chi.URLParam(r, "conversation")
		identifier := r.URL.Query().Get("identifier")

		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				h.RecordTimeout(hub.TimeoutHandshake)
			}
			logger.Warn("websocket upgrade failed",
				"conversation", convID,
				"error", err,
			)
			return
		}

		tr := transport.NewWS(wsConn)
		connID, err := h.Enqueue(r.Context(), tr, convID, identifier)
		if err != nil {
			logger.Warn("connection rejected",
				"conversation", convID,
				"identifier", identifier,
				"error", err,
			)
			tr.Close(websocket.CloseTryAgainLater, "rejected")
			return
		}

		readPump(h, logger, wsConn, convID, connID)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutCancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	if err := h.Stop(shutCtx); err != nil {
		logger.Warn("hub stop", "error", err)
	}

	logger.Info("relay stopped")
}

// readPump relays inbound frames to the rest of the conversation and tears
// the connection down when the peer goes away.
func readPump(h *hub.Hub, logger *slog.Logger, conn *websocket.Conn, convID, connID string) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Disconnect(ctx, convID, connID, "peer closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("connection read error", "conn_id", connID, "error", err)
			}
			return
		}

		h.Touch(convID, connID)

		if err := h.Broadcast(context.Background(), convID, json.RawMessage(data), connID); err != nil {
			logger.Warn("broadcast failed", "conversation", convID, "error", err)
		}
	}
}
