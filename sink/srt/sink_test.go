package srt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/lumastream/egress/media"
	"github.com/lumastream/egress/sink"
)

// fakeConn is an in-memory transport double. Read blocks until the
// connection is closed or a termination error is injected, mirroring the
// socket the connection watcher sits on.
type fakeConn struct {
	writeCalls atomic.Int64
	writeErr   error
	written    [][]byte
	msgCtrls   []srtgo.MsgCtrl
	maxBW      int64
	bwCalls    int
	stats      srtgo.ConnStats

	mu       sync.Mutex
	readErr  chan error
	closed   bool
	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{readErr: make(chan error, 1)}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	return 0, <-c.readErr
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.writeCalls.Add(1)
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), p...))
	c.mu.Unlock()
	return len(p), nil
}

func (c *fakeConn) WriteMsgCtrl(p []byte, mc *srtgo.MsgCtrl) (int, error) {
	n, err := c.Write(p)
	if err == nil {
		c.mu.Lock()
		c.msgCtrls = append(c.msgCtrls, *mc)
		c.mu.Unlock()
	}
	return n, err
}

func (c *fakeConn) SetMaxBW(bw int64) {
	c.maxBW = bw
	c.bwCalls++
}

func (c *fakeConn) Stats(clear bool) srtgo.ConnStats {
	return c.stats
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.readErr <- errors.New("use of closed connection")
	}
	return c.closeErr
}

// terminate simulates the transport dying on its own.
func (c *fakeConn) terminate(cause error) {
	c.readErr <- cause
}

func newTestSink(conn *fakeConn) *Sink {
	s := New(nil)
	s.dial = func(addr string, cfg srtgo.Config) (transport, error) {
		return conn, nil
	}
	return s
}

func openTestSink(t *testing.T, conn *fakeConn) *Sink {
	t.Helper()
	s := newTestSink(conn)
	dest, err := sink.ParseDestination("srt://host:7000?streamid=live/key")
	if err != nil {
		t.Fatalf("parse destination: %v", err)
	}
	if err := s.Open(context.Background(), dest); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return s
}

func TestOpenRejectsNonCallerMode(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := newTestSink(conn)
	dest, _ := sink.ParseDestination("srt://host:7000?mode=listener")

	err := s.Open(context.Background(), dest)
	var cfgErr *sink.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want ConfigError", err)
	}
	if s.State() != sink.StateClosed {
		t.Fatalf("got state %v, want closed", s.State())
	}
}

func TestOpenDialFailureLeavesClosed(t *testing.T) {
	t.Parallel()

	s := New(nil)
	dialErr := errors.New("connection refused")
	s.dial = func(addr string, cfg srtgo.Config) (transport, error) {
		return nil, dialErr
	}
	dest, _ := sink.ParseDestination("srt://host:7000")

	err := s.Open(context.Background(), dest)
	if !errors.Is(err, dialErr) {
		t.Fatalf("got %v, want wrapped dial error", err)
	}
	if s.State() != sink.StateClosed {
		t.Fatalf("got state %v, want closed", s.State())
	}
}

func TestWriteBeforeOpenNoIO(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := newTestSink(conn)

	_, err := s.Write(media.NewVideoFrame(1000, []byte{1}, true))
	if !errors.Is(err, sink.ErrNotOpen) {
		t.Fatalf("got %v, want ErrNotOpen", err)
	}
	if conn.writeCalls.Load() != 0 {
		t.Fatalf("transport saw %d writes, want 0", conn.writeCalls.Load())
	}
}

func TestWriteSendsFrame(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := openTestSink(t, conn)
	defer s.Close()

	n, err := s.Write(media.NewVideoFrame(90_000, []byte{1, 2, 3}, true))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("got %d bytes written, want 3", n)
	}
	if len(conn.msgCtrls) != 1 {
		t.Fatalf("got %d messages, want 1", len(conn.msgCtrls))
	}
	mc := conn.msgCtrls[0]
	if !mc.SrcTime.Equal(time.UnixMicro(90_000)) {
		t.Fatalf("got source time %v, want %v", mc.SrcTime, time.UnixMicro(90_000))
	}
	if !mc.InOrder {
		t.Fatal("message not marked in-order")
	}
}

func TestWriteChunksLargePayload(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := openTestSink(t, conn)
	defer s.Close()

	payload := make([]byte, PayloadSize*2+100)
	n, err := s.Write(media.NewVideoFrame(1000, payload, false))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("got %d bytes, want %d", n, len(payload))
	}
	if got := conn.writeCalls.Load(); got != 3 {
		t.Fatalf("got %d transport writes, want 3", got)
	}
	for i, chunk := range conn.written {
		if len(chunk) > PayloadSize {
			t.Fatalf("chunk %d is %d bytes, over payload size", i, len(chunk))
		}
	}
}

func TestWriteFailureTransitionsToClosed(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := openTestSink(t, conn)

	cause := errors.New("broken pipe")
	conn.writeErr = cause

	_, err := s.Write(media.NewVideoFrame(1000, []byte{1}, true))
	var closed *sink.ClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("got %v, want ClosedError", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("ClosedError does not wrap the write error")
	}

	// Subsequent writes are poisoned with the same cause, without I/O.
	conn.writeErr = nil
	calls := conn.writeCalls.Load()
	_, err = s.Write(media.NewVideoFrame(2000, []byte{1}, true))
	if !errors.As(err, &closed) || !errors.Is(err, cause) {
		t.Fatalf("got %v, want poisoned ClosedError", err)
	}
	if conn.writeCalls.Load() != calls {
		t.Fatal("poisoned write reached the transport")
	}
}

func TestAsyncTerminationPoisonsWrites(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := openTestSink(t, conn)

	openCh := s.Opened().Watch()
	for opened := range openCh {
		if opened {
			break
		}
	}

	cause := errors.New("network unreachable")
	conn.terminate(cause)

	// The watcher closes the sink asynchronously.
	deadline := time.After(2 * time.Second)
	for s.State() != sink.StateClosed {
		select {
		case <-deadline:
			t.Fatal("sink did not close after transport termination")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, err := s.Write(media.NewVideoFrame(1000, []byte{1}, true))
	var closed *sink.ClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("got %v, want ClosedError", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("ClosedError does not carry the termination cause")
	}
	if s.Opened().Get() {
		t.Fatal("opened observable still true after termination")
	}
}

func TestStartStreamRequiresOpen(t *testing.T) {
	t.Parallel()

	s := newTestSink(newFakeConn())
	if err := s.StartStream(); !errors.Is(err, sink.ErrNotOpen) {
		t.Fatalf("got %v, want ErrNotOpen", err)
	}
}

func TestOpenForcesTransportConfig(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := New(nil)
	var got srtgo.Config
	s.dial = func(addr string, cfg srtgo.Config) (transport, error) {
		got = cfg
		return conn, nil
	}
	s.Configure([]sink.StreamConfig{
		{Kind: media.Video, Codec: "h264", Bitrate: 4_000_000},
		{Kind: media.Audio, Codec: "aac", Bitrate: 128_000},
	})

	dest, _ := sink.ParseDestination("srt://host:7000?payloadsize=1400&transtype=file&latency=200&streamid=live/key")
	if err := s.Open(context.Background(), dest); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if got.PayloadSize != PayloadSize {
		t.Fatalf("got payload size %d, want forced %d", got.PayloadSize, PayloadSize)
	}
	if got.TransType != srtgo.TransTypeLive {
		t.Fatalf("got transtype %v, want live", got.TransType)
	}
	if got.Latency != 200*time.Millisecond {
		t.Fatalf("got latency %v, want 200ms", got.Latency)
	}
	if got.StreamID != "live/key" {
		t.Fatalf("got stream id %q, want live/key", got.StreamID)
	}
	// Aggregate 4.128 Mb/s as an input-rate hint in bytes/s.
	if got.InputBW != 516_000 {
		t.Fatalf("got inputBW %d, want 516000", got.InputBW)
	}
}

func TestOpenDefaultsLatency(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := New(nil)
	var got srtgo.Config
	s.dial = func(addr string, cfg srtgo.Config) (transport, error) {
		got = cfg
		return conn, nil
	}
	dest, _ := sink.ParseDestination("srt://host:7000")
	if err := s.Open(context.Background(), dest); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if got.Latency != defaultLatency {
		t.Fatalf("got latency %v, want %v", got.Latency, defaultLatency)
	}
}

func TestStartStreamLiftsBandwidthCeiling(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := newTestSink(conn)
	s.Configure([]sink.StreamConfig{
		{Kind: media.Video, Codec: "h264", Bitrate: 4_000_000},
		{Kind: media.Audio, Codec: "aac", Bitrate: 128_000},
	})

	dest, _ := sink.ParseDestination("srt://host:7000")
	if err := s.Open(context.Background(), dest); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if err := s.StartStream(); err != nil {
		t.Fatalf("startStream failed: %v", err)
	}
	if conn.bwCalls != 1 {
		t.Fatalf("got %d bandwidth calls, want 1", conn.bwCalls)
	}
	if conn.maxBW != 0 {
		t.Fatalf("got maxBW %d, want 0 (auto)", conn.maxBW)
	}
}

func TestWriteSamplesTransportStats(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.stats.SentTotalBytes = 9_000
	s := openTestSink(t, conn)
	defer s.Close()

	if _, err := s.Write(media.NewVideoFrame(1000, make([]byte, 100), true)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The rate baseline comes from the transport's cumulative wire counter,
	// not the sink's payload counter.
	s.rate.mu.Lock()
	baseline := s.rate.lastBytes
	s.rate.mu.Unlock()
	if baseline != 9_000 {
		t.Fatalf("got rate baseline %d, want 9000", baseline)
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := openTestSink(t, conn)

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if s.State() != sink.StateClosed {
		t.Fatalf("got state %v, want closed", s.State())
	}
}

func TestCloseSwallowsTeardownError(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.closeErr = errors.New("teardown hiccup")
	s := openTestSink(t, conn)

	if err := s.Close(); err != nil {
		t.Fatalf("close surfaced a teardown error: %v", err)
	}
	if s.State() != sink.StateClosed {
		t.Fatalf("got state %v, want closed", s.State())
	}
}

func TestMetricsRequireTransport(t *testing.T) {
	t.Parallel()

	s := newTestSink(newFakeConn())
	if _, err := s.Metrics(); err == nil {
		t.Fatal("metrics succeeded without a transport")
	}
}

func TestMetricsReportBytesSent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := openTestSink(t, conn)
	defer s.Close()

	s.Write(media.NewVideoFrame(1000, make([]byte, 500), true))

	m, err := s.Metrics()
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if m.BytesSent != 500 {
		t.Fatalf("got %d bytes sent, want 500", m.BytesSent)
	}
}

func TestMetricsMapTransportStats(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.stats = srtgo.ConnStats{
		RTT:                20 * time.Millisecond,
		EstimatedBandwidth: 10_000,
		SendBufAvailable:   8_000,
	}
	s := openTestSink(t, conn)
	defer s.Close()

	m, err := s.Metrics()
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if m.RTTMs != 20 {
		t.Fatalf("got RTT %vms, want 20ms", m.RTTMs)
	}
	if want := float64(10_000) * PayloadSize * 8 / 1e6; m.BandwidthMbps != want {
		t.Fatalf("got bandwidth %v Mbps, want %v", m.BandwidthMbps, want)
	}
	if m.SendBufferAvail != 8_000 {
		t.Fatalf("got send buffer avail %d, want 8000", m.SendBufferAvail)
	}
}

func TestReopenAfterTermination(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := openTestSink(t, conn)
	s.Close()

	conn2 := newFakeConn()
	s.dial = func(addr string, cfg srtgo.Config) (transport, error) {
		return conn2, nil
	}
	dest, _ := sink.ParseDestination("srt://host:7000")
	if err := s.Open(context.Background(), dest); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Write(media.NewVideoFrame(1000, []byte{1}, true)); err != nil {
		t.Fatalf("write after reopen failed: %v", err)
	}
}
