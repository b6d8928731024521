// Package session orchestrates one streaming session: it owns the per-stream
// adaptive buffers, runs the drain loop that feeds frames to the network
// sink, and forwards the sink's lifecycle and telemetry signals.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lumastream/egress/buffer"
	"github.com/lumastream/egress/internal/metrics"
	"github.com/lumastream/egress/internal/watch"
	"github.com/lumastream/egress/media"
	"github.com/lumastream/egress/sink"
)

// telemetryInterval drives the periodic rate/fill gauge refresh.
const telemetryInterval = time.Second

// Config describes one streaming session.
type Config struct {
	// Destination is the egress target URL (srt:// or rtmp://).
	Destination string

	// Streams lists the elementary streams the encoder will produce.
	Streams []sink.StreamConfig

	// VideoFrameRate and the audio parameters seed buffer pacing.
	// Zero values leave pacing off for that stream.
	VideoFrameRate       int
	AudioSampleRate      int
	AudioSamplesPerFrame int

	// Policy overrides the buffer capacity policy; zero value selects
	// buffer.DefaultPolicy.
	Policy buffer.Policy
}

// Session couples the encoder-facing buffers with a sink. Offer is safe to
// call from encoder callbacks at any time; the drain loop runs between Start
// and Stop.
type Session struct {
	ID string

	log     *slog.Logger
	cfg     Config
	dest    *sink.Destination
	snk     sink.Sink
	video   *buffer.Buffer
	audio   *buffer.Buffer
	metrics *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	g       *errgroup.Group
	started bool

	lastErr *watch.Value[error]
}

// New validates the destination and builds an idle session around the given
// sink. If log is nil, slog.Default() is used.
func New(cfg Config, snk sink.Sink, m *metrics.Metrics, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	dest, err := sink.ParseDestination(cfg.Destination)
	if err != nil {
		return nil, err
	}
	if len(cfg.Streams) == 0 {
		return nil, errors.New("session: no streams configured")
	}

	policy := cfg.Policy
	if policy == (buffer.Policy{}) {
		policy = buffer.DefaultPolicy()
	}

	id := uuid.NewString()
	log = log.With("session", id)

	s := &Session{
		ID:      id,
		log:     log,
		cfg:     cfg,
		dest:    dest,
		snk:     snk,
		video:   buffer.New(media.Video, policy, log),
		audio:   buffer.New(media.Audio, policy, log),
		metrics: m,
		lastErr: watch.NewValue[error](nil),
	}

	if cfg.VideoFrameRate > 0 {
		s.video.SetFrameRate(cfg.VideoFrameRate)
	}
	if cfg.AudioSampleRate > 0 && cfg.AudioSamplesPerFrame > 0 {
		s.audio.SetSampleRate(cfg.AudioSampleRate, cfg.AudioSamplesPerFrame)
	}
	for _, sc := range cfg.Streams {
		if sc.Kind == media.Video && sc.Bitrate > 0 {
			s.video.SetTargetBitrate(sc.Bitrate)
		}
	}

	if err := snk.Configure(cfg.Streams); err != nil {
		return nil, fmt.Errorf("session: configure sink: %w", err)
	}
	return s, nil
}

// Offer hands an encoded frame to the matching buffer. Never blocks; returns
// whether the frame was queued.
func (s *Session) Offer(f *media.Frame) bool {
	var accepted bool
	if f.Kind == media.Video {
		accepted = s.video.Offer(f)
	} else {
		accepted = s.audio.Offer(f)
	}
	if !accepted && s.metrics != nil {
		s.metrics.FramesDropped.WithLabelValues(f.Kind.String()).Inc()
	}
	return accepted
}

// Start opens the sink, begins the stream, and launches the drain loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.snk.Open(ctx, s.dest); err != nil {
		s.setStopped()
		return fmt.Errorf("session: open sink: %w", err)
	}
	if err := s.snk.StartStream(); err != nil {
		s.snk.Close()
		s.setStopped()
		return fmt.Errorf("session: start stream: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SinkOpens.Inc()
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)

	s.mu.Lock()
	s.cancel = cancel
	s.g = g
	s.mu.Unlock()

	g.Go(func() error {
		return s.drain(runCtx)
	})
	g.Go(func() error {
		s.telemetryLoop(runCtx)
		return nil
	})

	s.log.Info("session started", "destination", s.cfg.Destination)
	return nil
}

// Stop signals the drain loop, clears the buffers, and closes the sink.
// Safe to call once per Start; stopping an unstarted session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	g := s.g
	s.cancel = nil
	s.g = nil
	s.mu.Unlock()

	if cancel == nil {
		s.setStopped()
		return nil
	}

	s.snk.StopStream()
	cancel()
	err := g.Wait()

	s.video.Clear()
	s.audio.Clear()
	s.snk.Close()
	s.setStopped()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info("session stopped",
		"video_dropped", s.video.Dropped(),
		"audio_dropped", s.audio.Dropped(),
	)
	return nil
}

func (s *Session) setStopped() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// drain pulls frames out of the buffers in presentation order and writes
// them to the sink. It wakes on buffer fill changes rather than spinning.
func (s *Session) drain(ctx context.Context) error {
	videoFill := s.video.Fill().Watch()
	audioFill := s.audio.Fill().Watch()
	defer s.video.Fill().Unwatch(videoFill)
	defer s.audio.Fill().Unwatch(audioFill)

	for {
		wrote, err := s.drainReady()
		if err != nil {
			s.lastErr.Set(err)
			if s.metrics != nil {
				s.metrics.SinkErrors.Inc()
			}
			s.log.Error("write failed", "error", err)
			return err
		}
		if wrote {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-videoFill:
		case <-audioFill:
		}
	}
}

// drainReady writes at most one frame, picking the lower-PTS head of the two
// buffers so interleaving tracks presentation order.
func (s *Session) drainReady() (bool, error) {
	var src *buffer.Buffer

	vf, vok := s.video.Peek()
	af, aok := s.audio.Peek()
	switch {
	case vok && aok:
		if af.PTS <= vf.PTS {
			src = s.audio
		} else {
			src = s.video
		}
	case vok:
		src = s.video
	case aok:
		src = s.audio
	default:
		return false, nil
	}

	f, ok := src.Poll()
	if !ok {
		return false, nil
	}

	n, err := s.snk.Write(f)
	if err != nil {
		return false, err
	}

	if s.metrics != nil {
		s.metrics.FramesWritten.WithLabelValues(f.Kind.String()).Inc()
		s.metrics.BytesSent.Add(float64(n))
	}
	f.Release()
	return true, nil
}

// telemetryLoop refreshes the rate and fill gauges once per interval.
func (s *Session) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.metrics != nil {
				s.metrics.SendRateMbps.Set(s.snk.SendRateMbps())
				s.metrics.BufferFill.WithLabelValues(media.Video.String()).Set(s.video.Fill().Get())
				s.metrics.BufferFill.WithLabelValues(media.Audio.String()).Set(s.audio.Fill().Get())
			}
		}
	}
}

// SetTargetBitrate propagates an encoder bitrate change to the video buffer,
// rescaling its capacity.
func (s *Session) SetTargetBitrate(bitsPerSec int64) {
	s.video.SetTargetBitrate(bitsPerSec)
}

// SendRateMbps reports the sink's current send rate.
func (s *Session) SendRateMbps() float64 {
	return s.snk.SendRateMbps()
}

// FillRatio reports the current fill ratio for the given stream kind.
func (s *Session) FillRatio(kind media.Kind) float64 {
	if kind == media.Video {
		return s.video.Fill().Get()
	}
	return s.audio.Fill().Get()
}

// Opened is the sink's open/closed observable.
func (s *Session) Opened() *watch.Value[bool] {
	return s.snk.Opened()
}

// LastError is the observable carrying the most recent drain-loop write
// failure, nil while the session is healthy.
func (s *Session) LastError() *watch.Value[error] {
	return s.lastErr
}
