package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finnox/lenscast/config"
	"github.com/finnox/lenscast/gateway"
	"github.com/finnox/lenscast/rtmp"
	"github.com/finnox/lenscast/session"
	"github.com/finnox/lenscast/source"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	width, height := cfg.Quality().Dimensions()
	slog.Info("lenscast starting",
		"version", version,
		"quality", cfg.Quality().String(),
		"width", width,
		"height", height,
		"fps", cfg.VideoFPS,
		"gateway", cfg.GatewayURL,
		"rtmp", cfg.RTMPURL != "",
	)

	var transports []session.Transport
	var audioTr *session.AudioTransport
	var videoTr *session.VideoTransport

	if cfg.GatewayURL != "" {
		audioTr = session.NewAudioTransport(session.AudioTransportConfig{
			Gateway: gateway.Config{
				URL:           cfg.GatewayURL,
				Token:         cfg.Token,
				TokenInHeader: cfg.TokenInHeader,
			},
			PreviewEnabled:  cfg.PreviewEnabled,
			PreviewInterval: time.Duration(cfg.PreviewInterval) * time.Millisecond,
			PreviewQuality:  cfg.PreviewQuality,
		}, nil)
		transports = append(transports, audioTr)
	}
	if cfg.RTMPURL != "" {
		videoTr = session.NewVideoTransport(rtmp.Config{
			URL:     cfg.RTMPURL,
			Bitrate: cfg.TargetBitrate,
			FPS:     cfg.VideoFPS,
		}, nil)
		transports = append(transports, videoTr)
	}
	if len(transports) == 0 {
		slog.Error("nothing to do: set LENSCAST_GATEWAY_URL and/or LENSCAST_RTMP_URL")
		os.Exit(1)
	}

	open := source.Opener(source.Config{
		Width:           width,
		Height:          height,
		FPS:             cfg.VideoFPS,
		AudioSampleRate: cfg.AudioSampleRate,
		AudioChannels:   cfg.AudioChannels,
		ChunkSamples:    cfg.AudioChunk,
	}, nil)

	mgr := session.NewManager(nil)
	ctrl := session.NewController(open, transports, nil)
	mgr.Add("default", ctrl)

	if err := ctrl.Start(ctx); err != nil {
		slog.Error("session start failed", "error", err)
		mgr.Shutdown()
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	if audioTr != nil && cfg.VitalsInterval > 0 {
		g.Go(func() error {
			audioTr.Gateway().RunVitals(gctx,
				time.Duration(cfg.VitalsInterval)*time.Second,
				sampleVitals)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				st := ctrl.Status()
				attrs := []any{"state", st.State}
				if videoTr != nil {
					stats := videoTr.Stats()
					attrs = append(attrs,
						"frames_sent", stats.FramesSent,
						"bytes_sent", stats.BytesSent,
						"fps", stats.FPS,
					)
				}
				if audioTr != nil {
					attrs = append(attrs, "audio_chunks", audioTr.Gateway().ChunkIndex())
				}
				slog.Info("session stats", attrs...)
				if st.State == session.StateError {
					slog.Error("session failed", "error", st.Err)
					return st.Err
				}
				if st.State == session.StateStopped {
					return nil
				}
			}
		}
	})

	err = g.Wait()
	mgr.Shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("lenscast stopped")
}

// sampleVitals produces placeholder readings; a real deployment feeds
// sensor data here.
func sampleVitals() gateway.Vitals {
	return gateway.Vitals{HeartRate: 72, BreathRate: 16, Confidence: 1}
}
