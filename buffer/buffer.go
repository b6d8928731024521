// Package buffer implements the bounded, timestamp-ordered frame queue that
// absorbs the rate mismatch between the encoder and a network sink. The
// buffer never blocks its producer: when full it evicts a queued frame
// according to a per-kind drop policy, trading a small bounded data loss for
// sustained liveness of the encoder pipeline upstream.
package buffer

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lumastream/egress/internal/watch"
	"github.com/lumastream/egress/media"
)

// Policy holds the capacity-scaling constants. The defaults mirror typical
// mobile encoder output, but they are tuning knobs, not physical limits.
type Policy struct {
	// Video capacity scales linearly from MinVideoSlots at MinBitrate to
	// MaxVideoSlots at MaxBitrate, clamped outside that window.
	MinVideoSlots int
	MaxVideoSlots int
	MinBitrate    int64
	MaxBitrate    int64

	// Audio capacity is fixed: audio frames are small and uniform, so there
	// is nothing to scale against.
	AudioSlots int
}

// DefaultPolicy returns the stock capacity policy: 30-60 video slots across
// a 2-8 Mbps window, 120 audio slots (~2.5s of AAC).
func DefaultPolicy() Policy {
	return Policy{
		MinVideoSlots: 30,
		MaxVideoSlots: 60,
		MinBitrate:    2_000_000,
		MaxBitrate:    8_000_000,
		AudioSlots:    120,
	}
}

// videoCapacity interpolates the slot count for the given target bitrate.
func (p Policy) videoCapacity(bitsPerSec int64) int {
	if bitsPerSec <= p.MinBitrate {
		return p.MinVideoSlots
	}
	if bitsPerSec >= p.MaxBitrate {
		return p.MaxVideoSlots
	}
	span := int64(p.MaxVideoSlots - p.MinVideoSlots)
	window := p.MaxBitrate - p.MinBitrate
	return p.MinVideoSlots + int((bitsPerSec-p.MinBitrate)*span/window)
}

// Buffer is a bounded, PTS-ordered queue for one elementary stream. The
// encoder callback offers frames and the sink drain loop polls them; the
// internal mutex is the only state shared between the two.
type Buffer struct {
	log    *slog.Logger
	kind   media.Kind
	policy Policy

	mu           sync.Mutex
	frames       []*media.Frame // ascending PTS
	capacity     int
	pacingMicros int64 // 0 until SetFrameRate/SetSampleRate
	lastPTS      int64
	havePrev     bool

	dropped atomic.Int64
	fill    *watch.Value[float64]
}

// New creates a buffer for the given stream kind. If log is nil,
// slog.Default() is used.
func New(kind media.Kind, policy Policy, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	capacity := policy.AudioSlots
	if kind == media.Video {
		capacity = policy.MinVideoSlots
	}
	return &Buffer{
		log:      log.With("component", "buffer", "kind", kind.String()),
		kind:     kind,
		policy:   policy,
		frames:   make([]*media.Frame, 0, capacity),
		capacity: capacity,
		fill:     watch.NewValue(0.0),
	}
}

// SetFrameRate configures video pacing: consecutive frames are held at least
// 1e6/fps microseconds apart. Until this is called no pacing correction is
// applied.
func (b *Buffer) SetFrameRate(fps int) {
	if fps <= 0 {
		return
	}
	b.mu.Lock()
	b.pacingMicros = 1_000_000 / int64(fps)
	b.mu.Unlock()
}

// SetSampleRate configures audio pacing from the sample rate and the number
// of samples carried per encoded frame (1024 for AAC).
func (b *Buffer) SetSampleRate(hz, samplesPerFrame int) {
	if hz <= 0 || samplesPerFrame <= 0 {
		return
	}
	b.mu.Lock()
	b.pacingMicros = 1_000_000 * int64(samplesPerFrame) / int64(hz)
	b.mu.Unlock()
}

// SetTargetBitrate recomputes the video capacity for a new encoder bitrate
// target. Queued frames are carried over in order; the drop policy runs only
// if the queue is strictly over the new capacity. No-op for audio buffers.
func (b *Buffer) SetTargetBitrate(bitsPerSec int64) {
	if b.kind != media.Video {
		return
	}

	b.mu.Lock()
	newCap := b.policy.videoCapacity(bitsPerSec)
	if newCap == b.capacity {
		b.mu.Unlock()
		return
	}
	old := b.capacity
	b.capacity = newCap
	for len(b.frames) > b.capacity {
		b.evictLocked()
	}
	fill := b.fillLocked()
	b.mu.Unlock()

	b.log.Info("capacity resized", "from", old, "to", newCap, "bitrate", bitsPerSec)
	b.fill.Set(fill)
}

// Offer inserts a frame, evicting per the drop policy when full and applying
// pacing correction against the previously offered frame. Returns false only
// when the buffer has zero capacity. Never blocks.
func (b *Buffer) Offer(f *media.Frame) bool {
	b.mu.Lock()
	if b.capacity == 0 {
		b.mu.Unlock()
		return false
	}

	if len(b.frames) >= b.capacity {
		b.evictLocked()
	}

	// Pacing correction: a frame arriving with a stalled or duplicate
	// timestamp is pushed forward so the downstream transport never sees
	// non-advancing time.
	if b.havePrev && b.pacingMicros > 0 && f.PTS < b.lastPTS+b.pacingMicros {
		f.PTS = b.lastPTS + b.pacingMicros
	}
	b.lastPTS = f.PTS
	b.havePrev = true

	i := sort.Search(len(b.frames), func(i int) bool {
		return b.frames[i].PTS > f.PTS
	})
	b.frames = append(b.frames, nil)
	copy(b.frames[i+1:], b.frames[i:])
	b.frames[i] = f

	fill := b.fillLocked()
	b.mu.Unlock()

	b.fill.Set(fill)
	return true
}

// evictLocked applies the drop policy once: audio drops the oldest frame;
// video drops the first non-key frame, falling back to the oldest frame when
// every queued frame is a keyframe (bounding memory wins over decodability).
func (b *Buffer) evictLocked() {
	if len(b.frames) == 0 {
		return
	}

	idx := 0
	if b.kind == media.Video {
		for i, f := range b.frames {
			if !f.IsKeyframe {
				idx = i
				break
			}
		}
	}

	victim := b.frames[idx]
	b.frames = append(b.frames[:idx], b.frames[idx+1:]...)
	victim.Release()
	b.dropped.Add(1)
	b.log.Debug("frame dropped", "pts", victim.PTS, "keyframe", victim.IsKeyframe)
}

// Poll removes and returns the lowest-PTS frame. Non-blocking; ok is false
// when the buffer is empty.
func (b *Buffer) Poll() (*media.Frame, bool) {
	b.mu.Lock()
	if len(b.frames) == 0 {
		b.mu.Unlock()
		return nil, false
	}
	f := b.frames[0]
	b.frames = b.frames[1:]
	fill := b.fillLocked()
	b.mu.Unlock()

	b.fill.Set(fill)
	return f, true
}

// Peek returns the lowest-PTS frame without removing it.
func (b *Buffer) Peek() (*media.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil, false
	}
	return b.frames[0], true
}

// Clear releases every queued frame and resets pacing state.
func (b *Buffer) Clear() {
	b.mu.Lock()
	for _, f := range b.frames {
		f.Release()
	}
	b.frames = b.frames[:0]
	b.havePrev = false
	b.lastPTS = 0
	b.mu.Unlock()

	b.fill.Set(0)
}

// Len returns the current occupancy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Cap returns the current capacity.
func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Dropped returns the total number of frames evicted since creation.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Fill exposes the fill-ratio (occupancy/capacity, 0.0-1.0) observable.
// Producers subscribe to adapt their rate under backpressure.
func (b *Buffer) Fill() *watch.Value[float64] {
	return b.fill
}

func (b *Buffer) fillLocked() float64 {
	if b.capacity == 0 {
		return 0
	}
	return float64(len(b.frames)) / float64(b.capacity)
}
