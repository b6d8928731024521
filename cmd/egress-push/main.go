// Command egress-push streams synthetic encoded frames to an SRT or RTMP
// destination through a full egress session. It exists to exercise the
// buffer/sink pipeline against real servers without an encoder attached.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/lumastream/egress/internal/metrics"
	"github.com/lumastream/egress/media"
	"github.com/lumastream/egress/session"
	"github.com/lumastream/egress/sink"
	rtmpsink "github.com/lumastream/egress/sink/rtmp"
	srtsink "github.com/lumastream/egress/sink/srt"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	dest := envOr("DEST", "srt://127.0.0.1:6000?streamid=live/test")
	bitrate := envInt("BITRATE", 4_000_000)
	fps := envInt("FPS", 30)
	duration := envInt("DURATION_SEC", 0) // 0 = run until signaled

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	snk, err := buildSink(dest)
	if err != nil {
		slog.Error("bad destination", "error", err)
		os.Exit(1)
	}

	cfg := session.Config{
		Destination: dest,
		Streams: []sink.StreamConfig{
			{Kind: media.Video, Codec: "h264", Bitrate: int64(bitrate)},
			{Kind: media.Audio, Codec: "aac", Bitrate: 128_000},
		},
		VideoFrameRate:       fps,
		AudioSampleRate:      48_000,
		AudioSamplesPerFrame: 1024,
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	sess, err := session.New(cfg, snk, m, nil)
	if err != nil {
		slog.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	slog.Info("egress-push starting",
		"version", version,
		"destination", dest,
		"bitrate", bitrate,
		"fps", fps,
	)

	if err := sess.Start(ctx); err != nil {
		slog.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	if duration > 0 {
		go func() {
			time.Sleep(time.Duration(duration) * time.Second)
			cancel()
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return produceVideo(ctx, sess, fps, bitrate)
	})
	g.Go(func() error {
		return produceAudio(ctx, sess)
	})
	g.Go(func() error {
		reportLoop(ctx, sess)
		return nil
	})

	err = g.Wait()
	if stopErr := sess.Stop(); stopErr != nil {
		slog.Error("session stop", "error", stopErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("producer error", "error", err)
		os.Exit(1)
	}
}

// produceVideo emits keyframe-led GOPs at the configured frame rate, sized
// so the aggregate payload tracks the target bitrate.
func produceVideo(ctx context.Context, sess *session.Session, fps, bitrate int) error {
	interval := time.Second / time.Duration(fps)
	frameBytes := bitrate / 8 / fps

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		keyframe := n%(fps*2) == 0
		size := frameBytes
		if keyframe {
			size *= 3 // keyframes dominate the GOP budget
		}
		payload := media.PayloadBuffer(size)

		pts := time.Since(start).Microseconds()
		sess.Offer(media.NewVideoFrame(pts, payload, keyframe))
		n++
	}
}

func produceAudio(ctx context.Context, sess *session.Session) error {
	// One AAC frame of 1024 samples at 48 kHz every ~21.3ms.
	interval := 1024 * time.Second / 48_000

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		payload := media.PayloadBuffer(340)
		pts := time.Since(start).Microseconds()
		sess.Offer(media.NewAudioFrame(pts, payload))
	}
}

func reportLoop(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("throughput",
				"rate_mbps", fmt.Sprintf("%.2f", sess.SendRateMbps()),
				"video_fill", fmt.Sprintf("%.2f", sess.FillRatio(media.Video)),
				"audio_fill", fmt.Sprintf("%.2f", sess.FillRatio(media.Audio)),
			)
		}
	}
}

func buildSink(dest string) (sink.Sink, error) {
	switch {
	case strings.HasPrefix(dest, "srt://"):
		return srtsink.New(nil), nil
	case strings.HasPrefix(dest, "rtmp://"), strings.HasPrefix(dest, "rtmps://"):
		return rtmpsink.New(nil), nil
	default:
		return nil, fmt.Errorf("unsupported destination %q", dest)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
