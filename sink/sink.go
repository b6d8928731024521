// Package sink defines the transport-endpoint contract shared by the SRT and
// RTMP egress variants: lifecycle operations, the connection state machine,
// and the error taxonomy of the write path.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/lumastream/egress/internal/watch"
	"github.com/lumastream/egress/media"
)

// ErrNotOpen is returned when an operation requires an open connection.
// A write rejected with ErrNotOpen attempted no transport I/O.
var ErrNotOpen = errors.New("sink: not open")

// ErrAlreadyOpen is returned by Open when a connection attempt or session
// is already in progress.
var ErrAlreadyOpen = errors.New("sink: already open")

// ClosedError poisons writes after the sink has transitioned to error and
// closed, carrying the terminating cause so callers see why the transport
// went away rather than a generic failure.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return "sink: closed"
	}
	return fmt.Sprintf("sink: closed: %v", e.Cause)
}

func (e *ClosedError) Unwrap() error {
	return e.Cause
}

// StreamConfig describes one elementary stream the sink will carry.
type StreamConfig struct {
	Kind    media.Kind
	Codec   string // "h264", "h265", "aac", ...
	Bitrate int64  // bits per second
}

// AggregateBitrate sums the target bitrates of all configured streams.
func AggregateBitrate(streams []StreamConfig) int64 {
	var total int64
	for _, s := range streams {
		total += s.Bitrate
	}
	return total
}

// Metrics is a point-in-time snapshot of transport statistics. Fields the
// transport does not expose are left zero.
type Metrics struct {
	RTTMs           float64
	BandwidthMbps   float64
	SendBufferAvail int
	BytesSent       int64
}

// Sink is a polymorphic transport endpoint. Implementations own their
// transport handle exclusively and serialize access to it themselves;
// callers may invoke from any goroutine.
type Sink interface {
	// Configure captures stream descriptors needed at open time. Idempotent,
	// callable before Open.
	Configure(streams []StreamConfig) error

	// Open validates the destination and establishes the transport
	// connection. Invalid destination parameters fail fast with no
	// connection attempt.
	Open(ctx context.Context, dest *Destination) error

	// Write sends one frame. It rejects immediately, without transport I/O,
	// when the connection is not open (ErrNotOpen) or has been poisoned by
	// an earlier failure (*ClosedError).
	Write(f *media.Frame) (int, error)

	// StartStream performs transport-specific stream-start negotiation.
	// Calling it before the transport reports connected is a contract error.
	StartStream() error

	// StopStream is best-effort; a no-op where the protocol has no explicit
	// end-of-stream concept.
	StopStream() error

	// Close releases the transport handle. Idempotent and safe to call
	// concurrently from the error path, a completion callback, and a direct
	// caller. Secondary teardown errors are logged, never returned.
	Close() error

	// Metrics returns transport statistics; fails if the transport is not
	// initialized.
	Metrics() (Metrics, error)

	// SendRateMbps is the last computed throughput sample, or 0 when stale.
	SendRateMbps() float64

	// State reports the current connection state.
	State() State

	// Opened is the open/closed observable consumed by the orchestrator.
	Opened() *watch.Value[bool]
}
