// Package srt implements the SRT egress sink. It operates strictly in caller
// mode, dialing a remote SRT listener and pushing encoded frames as live
// payloads through the srtgo transport.
package srt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/lumastream/egress/internal/watch"
	"github.com/lumastream/egress/media"
	"github.com/lumastream/egress/sink"
)

// PayloadSize is the fixed SRT payload size: 7 MPEG-TS packets (188 * 7).
// The sink forces this on every connection regardless of URL parameters.
const PayloadSize = 1316

// TransType is the only transmission type the sink operates with.
const TransType = "live"

// defaultLatency matches the common SRT live-streaming latency window.
const defaultLatency = 120 * time.Millisecond

// transport is the connection surface the sink drives. *srtgo.Conn satisfies
// it and the upgrades below; tests substitute a fake.
type transport interface {
	io.ReadWriteCloser
}

// messageWriter accepts per-message control metadata alongside the payload.
type messageWriter interface {
	WriteMsgCtrl(b []byte, mc *srtgo.MsgCtrl) (int, error)
}

// bandwidthConfigurer adjusts the outbound bandwidth ceiling at runtime.
type bandwidthConfigurer interface {
	SetMaxBW(bw int64)
}

// statsProvider exposes link statistics. clear=false returns cumulative totals.
type statsProvider interface {
	Stats(clear bool) srtgo.ConnStats
}

// The real connection must satisfy every upgrade, not just the base transport.
var (
	_ messageWriter       = (*srtgo.Conn)(nil)
	_ bandwidthConfigurer = (*srtgo.Conn)(nil)
	_ statsProvider       = (*srtgo.Conn)(nil)
)

// Sink is the SRT caller egress endpoint.
type Sink struct {
	log  *slog.Logger
	mach *sink.Machine
	dial func(addr string, cfg srtgo.Config) (transport, error)

	mu       sync.Mutex
	conn     transport
	streams  []sink.StreamConfig
	bitrate  int64
	openedAt time.Time

	bytesSent atomic.Int64
	rate      *RateEstimator
}

// New creates an idle SRT sink. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		log:  log.With("component", "srt-sink"),
		mach: sink.NewMachine(),
		dial: dialSRT,
		rate: NewRateEstimator(),
	}
}

func dialSRT(addr string, cfg srtgo.Config) (transport, error) {
	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Configure captures the stream descriptors. Idempotent, callable before Open.
func (s *Sink) Configure(streams []sink.StreamConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = streams
	s.bitrate = sink.AggregateBitrate(streams)
	return nil
}

// Open validates the destination and dials the remote listener. A mode other
// than caller fails fast with no connection attempt; payload size and
// transmission type are forced to the sink's fixed values.
func (s *Sink) Open(ctx context.Context, dest *sink.Destination) error {
	if dest.Scheme != "srt" {
		return &sink.ConfigError{Param: "scheme", Reason: fmt.Sprintf("SRT sink cannot open %q destination", dest.Scheme)}
	}
	if dest.Mode != "" && dest.Mode != "caller" {
		return &sink.ConfigError{Param: "mode", Reason: fmt.Sprintf("sink operates in caller mode only, got %q", dest.Mode)}
	}
	if dest.PayloadSize != 0 && dest.PayloadSize != PayloadSize {
		s.log.Warn("overriding requested payload size", "requested", dest.PayloadSize, "forced", PayloadSize)
	}
	if dest.TransType != "" && dest.TransType != TransType {
		s.log.Warn("overriding requested transmission type", "requested", dest.TransType, "forced", TransType)
	}

	if err := s.mach.ToOpening(); err != nil {
		return err
	}

	latency := dest.Latency
	if latency == 0 {
		latency = defaultLatency
	}
	s.mu.Lock()
	bitrate := s.bitrate
	s.mu.Unlock()

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	cfg.StreamID = dest.StreamID
	cfg.PayloadSize = PayloadSize
	cfg.TransType = srtgo.TransTypeLive
	if bitrate > 0 {
		// Input-rate hint in bytes/s; with MaxBW left at auto the transport
		// paces from this plus its overhead allowance.
		cfg.InputBW = bitrate / 8
	}

	s.log.Info("dialing", "addr", dest.Host, "stream_id", dest.StreamID, "latency", latency)

	type dialResult struct {
		conn transport
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := s.dial(dest.Host, cfg)
		ch <- dialResult{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			s.mach.ToClosed()
			return fmt.Errorf("SRT dial %s: %w", dest.Host, res.err)
		}
		s.mu.Lock()
		s.conn = res.conn
		s.openedAt = time.Now()
		s.mu.Unlock()
		s.rate.Reset()
		s.mach.ToOpen()
		s.log.Info("connected", "addr", dest.Host)
		go s.watchConnection(res.conn)
		return nil
	case <-ctx.Done():
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		s.mach.ToClosed()
		return ctx.Err()
	}
}

// watchConnection blocks on the socket until the transport terminates on its
// own (network loss, peer shutdown). The terminating condition is captured
// so later writes fail with the original cause, then the sink closes itself.
func (s *Sink) watchConnection(conn transport) {
	buf := make([]byte, PayloadSize)
	for {
		if _, err := conn.Read(buf); err != nil {
			s.handleTermination(err)
			return
		}
	}
}

func (s *Sink) handleTermination(cause error) {
	// A read error after our own Close is just the socket going away.
	if s.mach.State() == sink.StateClosed {
		return
	}

	s.mu.Lock()
	duration := time.Since(s.openedAt)
	s.mu.Unlock()

	s.log.Warn("transport terminated", "cause", cause, "connection_duration", duration.Truncate(time.Millisecond))
	s.mach.Fail(cause)
	s.Close()
}

// Write sends one frame through the transport's message API, stamped with
// the frame's source time and marked for in-order delivery. Payloads larger
// than the fixed payload size are split across multiple transport writes.
func (s *Sink) Write(f *media.Frame) (int, error) {
	if err := s.mach.WriteAllowed(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, sink.ErrNotOpen
	}

	mc := buildMsgCtrl(f)
	s.log.Debug("frame", "pts", f.PTS, "boundary", mc.Boundary, "bytes", len(f.Payload))
	written, err := s.writeChunks(conn, f.Payload, mc)
	if err != nil {
		s.mach.Fail(err)
		go s.Close()
		return written, &sink.ClosedError{Cause: err}
	}

	// The transport may have terminated underneath a write that returned
	// cleanly; re-check so the caller sees the captured cause now rather
	// than on its next frame.
	if err := s.mach.WriteAllowed(); err != nil {
		return written, err
	}

	if written <= 0 {
		s.log.Warn("transport accepted no bytes", "pts", f.PTS)
	}

	// The rate estimator tracks wire throughput, so it samples the
	// transport's cumulative counter (retransmissions and header overhead
	// included) rather than the sink's own payload counter.
	sample := s.bytesSent.Add(int64(written))
	if sp, ok := conn.(statsProvider); ok {
		sample = int64(sp.Stats(false).SentTotalBytes)
	}
	s.rate.Sample(sample, time.Now())
	return written, nil
}

func (s *Sink) writeChunks(conn transport, payload []byte, mc MsgCtrl) (int, error) {
	// Live mode rejects messages over the payload size, so frames are split
	// here; each chunk carries the frame's control metadata.
	mw, _ := conn.(messageWriter)
	var smc *srtgo.MsgCtrl
	if mw != nil {
		smc = srtgoMsgCtrl(mc)
	}

	written := 0
	for off := 0; off < len(payload); off += PayloadSize {
		end := off + PayloadSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]

		var n int
		var err error
		if mw != nil {
			n, err = mw.WriteMsgCtrl(chunk, smc)
		} else {
			n, err = conn.Write(chunk)
		}
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// StartStream configures transport pacing for the session: no outbound
// bandwidth ceiling, with the configured aggregate bitrate as the input-rate
// hint. Requires the connection to be open and is a contract error otherwise.
func (s *Sink) StartStream() error {
	if s.mach.State() != sink.StateOpen {
		return fmt.Errorf("startStream: %w", sink.ErrNotOpen)
	}

	s.mu.Lock()
	conn := s.conn
	bitrate := s.bitrate
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("startStream: %w", sink.ErrNotOpen)
	}

	// Ceiling 0 means auto: the transport paces from the input-rate hint
	// configured at dial time.
	if bc, ok := conn.(bandwidthConfigurer); ok {
		bc.SetMaxBW(0)
	}
	s.log.Info("stream started", "input_bw", bitrate)
	return nil
}

// StopStream is a no-op: SRT has no explicit end-of-stream signal. Resource
// release happens in Close.
func (s *Sink) StopStream() error {
	s.log.Debug("stop stream requested")
	return nil
}

// Close releases the transport handle. Idempotent; callable from the error
// path, the connection watcher, and direct callers concurrently. Teardown
// errors are logged, never returned, and the closed notification always fires.
func (s *Sink) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	openedAt := s.openedAt
	s.mu.Unlock()

	// Transition first so the connection watcher, unblocked by the socket
	// close below, does not mistake teardown for a transport failure.
	s.mach.ToClosed()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn("transport close failed", "error", err)
		}
		s.log.Info("closed", "connection_duration", time.Since(openedAt).Truncate(time.Millisecond))
	}
	return nil
}

// Metrics returns transport statistics plus the sink's cumulative byte
// count. Fails when the transport is not initialized.
func (s *Sink) Metrics() (sink.Metrics, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return sink.Metrics{}, fmt.Errorf("metrics: %w", sink.ErrNotOpen)
	}

	var m sink.Metrics
	if sp, ok := conn.(statsProvider); ok {
		st := sp.Stats(false)
		m.RTTMs = float64(st.RTT) / float64(time.Millisecond)
		// EstimatedBandwidth is probe link capacity in packets per second.
		m.BandwidthMbps = float64(st.EstimatedBandwidth) * PayloadSize * 8 / 1e6
		m.SendBufferAvail = st.SendBufAvailable
	}
	m.BytesSent = s.bytesSent.Load()
	return m, nil
}

// SendRateMbps returns the last computed throughput sample, or 0 when the
// sample is older than the freshness guard.
func (s *Sink) SendRateMbps() float64 {
	return s.rate.Rate(time.Now())
}

// State reports the connection state.
func (s *Sink) State() sink.State {
	return s.mach.State()
}

// Opened is the open/closed observable.
func (s *Sink) Opened() *watch.Value[bool] {
	return s.mach.Opened()
}
