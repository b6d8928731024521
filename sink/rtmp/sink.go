// Package rtmp implements the RTMP push egress sink. The underlying RTMP
// client requires single-threaded access, so every transport operation is
// marshaled onto one dedicated goroutine; callers may invoke the sink from
// anywhere.
package rtmp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumastream/egress/internal/watch"
	"github.com/lumastream/egress/media"
	"github.com/lumastream/egress/sink"
)

// transport is the published-connection surface the sink drives. The
// go-rtmp adapter satisfies it; tests substitute a fake. All methods are
// invoked from the sink's transport goroutine only.
type transport interface {
	Publish(streamKey string) error
	WriteAudio(timestampMs uint32, payload []byte) (int, error)
	WriteVideo(timestampMs uint32, payload []byte) (int, error)
	Close() error
}

type command struct {
	fn   func() error
	res  chan error
	stop bool
}

// Sink is the RTMP push egress endpoint.
type Sink struct {
	log  *slog.Logger
	mach *sink.Machine
	dial func(dest *sink.Destination) (transport, error)

	mu      sync.Mutex
	cmds    chan command
	streams []sink.StreamConfig
	bitrate int64

	// conn and dest are owned by the transport goroutine after Open.
	conn transport
	dest *sink.Destination

	openedAt  time.Time
	bytesSent atomic.Int64
}

// New creates an idle RTMP sink. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		log:  log.With("component", "rtmp-sink"),
		mach: sink.NewMachine(),
		dial: dialGoRTMP,
	}
}

// Configure captures the stream descriptors. Idempotent, callable before Open.
func (s *Sink) Configure(streams []sink.StreamConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = streams
	s.bitrate = sink.AggregateBitrate(streams)
	return nil
}

// Open dials the RTMP server and issues the NetConnection connect command
// on the freshly started transport goroutine.
func (s *Sink) Open(ctx context.Context, dest *sink.Destination) error {
	if dest.Scheme != "rtmp" && dest.Scheme != "rtmps" {
		return &sink.ConfigError{Param: "scheme", Reason: fmt.Sprintf("RTMP sink cannot open %q destination", dest.Scheme)}
	}

	if err := s.mach.ToOpening(); err != nil {
		return err
	}

	cmds := make(chan command)
	s.mu.Lock()
	s.cmds = cmds
	s.mu.Unlock()
	go s.run(cmds)

	s.log.Info("connecting", "addr", dest.Host, "app", dest.App)

	err := s.submit(func() error {
		conn, err := s.dial(dest)
		if err != nil {
			return err
		}
		s.conn = conn
		s.dest = dest
		return nil
	})
	if err != nil {
		s.Close()
		return fmt.Errorf("RTMP connect %s: %w", dest.Host, err)
	}

	s.mu.Lock()
	s.openedAt = time.Now()
	s.mu.Unlock()
	s.mach.ToOpen()
	s.log.Info("connected", "addr", dest.Host)
	return nil
}

// run executes marshaled transport operations until a stop command arrives.
// This goroutine is the only one that touches the RTMP connection.
func (s *Sink) run(cmds chan command) {
	for cmd := range cmds {
		cmd.res <- cmd.fn()
		if cmd.stop {
			return
		}
	}
}

// submit marshals fn onto the transport goroutine and waits for its result.
func (s *Sink) submit(fn func() error) error {
	return s.submitCmd(command{fn: fn, res: make(chan error, 1)})
}

func (s *Sink) submitCmd(cmd command) error {
	s.mu.Lock()
	cmds := s.cmds
	if cmds == nil {
		s.mu.Unlock()
		return sink.ErrNotOpen
	}
	cmds <- cmd
	s.mu.Unlock()
	return <-cmd.res
}

// StartStream creates the RTMP stream and issues the publish command. There
// is no further negotiation; RTMP servers accept media immediately after.
func (s *Sink) StartStream() error {
	if s.mach.State() != sink.StateOpen {
		return fmt.Errorf("startStream: %w", sink.ErrNotOpen)
	}
	err := s.submit(func() error {
		return s.conn.Publish(s.dest.StreamKey)
	})
	if err != nil {
		return fmt.Errorf("startStream: publish: %w", err)
	}
	s.log.Info("publishing", "stream_key", s.dest.StreamKey)
	return nil
}

// StopStream is a no-op: RTMP needs no explicit end-of-stream signal before
// the connection closes.
func (s *Sink) StopStream() error {
	s.log.Debug("stop stream requested")
	return nil
}

// Write sends one frame as an RTMP audio or video message. A write arriving
// while the sink is not open is dropped with ErrNotOpen, distinct from the
// poisoned ClosedError after a transport failure, so a frame racing a
// graceful close is not counted as an error.
func (s *Sink) Write(f *media.Frame) (int, error) {
	if err := s.mach.WriteAllowed(); err != nil {
		return 0, err
	}

	timestampMs := uint32(f.PTS / 1000)
	var n int
	err := s.submit(func() error {
		var werr error
		switch f.Kind {
		case media.Audio:
			n, werr = s.conn.WriteAudio(timestampMs, f.Payload)
		default:
			n, werr = s.conn.WriteVideo(timestampMs, f.Payload)
		}
		return werr
	})
	if err != nil {
		if err == sink.ErrNotOpen {
			return 0, err
		}
		s.mach.Fail(err)
		go s.Close()
		return n, &sink.ClosedError{Cause: err}
	}

	if n <= 0 {
		s.log.Warn("transport accepted no bytes", "pts", f.PTS)
	}
	s.bytesSent.Add(int64(n))
	return n, nil
}

// Close tears the connection down on the transport goroutine and stops it.
// Idempotent; teardown errors are logged, never returned.
func (s *Sink) Close() error {
	s.mu.Lock()
	cmds := s.cmds
	s.cmds = nil
	openedAt := s.openedAt
	s.mu.Unlock()

	s.mach.ToClosed()

	if cmds != nil {
		res := make(chan error, 1)
		cmds <- command{
			fn: func() error {
				if s.conn != nil {
					if err := s.conn.Close(); err != nil {
						s.log.Warn("transport close failed", "error", err)
					}
					s.conn = nil
				}
				return nil
			},
			res:  res,
			stop: true,
		}
		<-res
		if !openedAt.IsZero() {
			s.log.Info("closed", "connection_duration", time.Since(openedAt).Truncate(time.Millisecond))
		}
	}
	return nil
}

// Metrics reports the sink's cumulative byte count; the RTMP transport
// exposes no link statistics. Fails when the transport is not initialized.
func (s *Sink) Metrics() (sink.Metrics, error) {
	if s.mach.State() != sink.StateOpen {
		return sink.Metrics{}, fmt.Errorf("metrics: %w", sink.ErrNotOpen)
	}
	return sink.Metrics{BytesSent: s.bytesSent.Load()}, nil
}

// SendRateMbps always reports 0: the RTMP transport exposes no cumulative
// send counters to estimate against.
func (s *Sink) SendRateMbps() float64 {
	return 0
}

// State reports the connection state.
func (s *Sink) State() sink.State {
	return s.mach.State()
}

// Opened is the open/closed observable.
func (s *Sink) Opened() *watch.Value[bool] {
	return s.mach.Opened()
}
