// Command collabd runs the collaboration server: the websocket transport,
// the per-project rooms, and the HTTP admin surface.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"collabd/internal/config"
	"collabd/internal/server"
	"collabd/internal/store"
	"collabd/internal/voice"
)

const (
	syncStateTTL          = 24 * time.Hour
	expiryPurgeInterval   = 10 * time.Minute
	optimizeInterval      = time.Hour
	presenceSweepInterval = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	st, err := store.Open(filepath.Join(cfg.StoragePath, "collabd.db"), filepath.Join(cfg.StoragePath, "snapshots"), cfg.ChatHistoryLimit)
	if err != nil {
		slog.Error("store open failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	var issuer voice.Issuer
	if cfg.VoiceConfigured() {
		issuer, err = voice.NewHMACIssuer(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.LiveKitURL)
		if err != nil {
			slog.Error("voice issuer init failed", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("LIVEKIT_* not fully configured, voice grants will be fake")
		issuer = &voice.FakeIssuer{}
	}

	registry := server.NewRegistry(st, issuer, cfg.MaxPeersPerProject)
	srv := server.New(st, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runMaintenance(ctx, st, registry)

	slog.Info("collabd starting", "port", cfg.Port, "storage_path", cfg.StoragePath)
	if err := srv.Run(ctx, ":"+cfg.Port); err != nil {
		slog.Error("server stopped with error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.ShutdownAll(shutdownCtx)
	slog.Info("collabd stopped")
}

func runMaintenance(ctx context.Context, st *store.Store, registry *server.Registry) {
	purgeTicker := time.NewTicker(expiryPurgeInterval)
	optimizeTicker := time.NewTicker(optimizeInterval)
	presenceTicker := time.NewTicker(presenceSweepInterval)
	defer purgeTicker.Stop()
	defer optimizeTicker.Stop()
	defer presenceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-purgeTicker.C:
			if n, err := st.DeleteExpiredSyncStates(ctx); err != nil {
				slog.Error("purge expired sync states failed", "err", err)
			} else if n > 0 {
				slog.Debug("purged expired sync states", "count", n)
			}
		case <-optimizeTicker.C:
			if err := st.Optimize(ctx); err != nil {
				slog.Error("store optimize failed", "err", err)
			}
		case <-presenceTicker.C:
			registry.SweepAll()
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	if level == "debug" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
