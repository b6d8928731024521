// Package media defines the encoded frame type that flows from the encoder
// through the adaptive buffers to the network sinks.
package media

import "sync"

// Kind identifies the elementary stream a frame belongs to. Audio and video
// frames travel through independent buffers and never share a lock.
type Kind int

const (
	Audio Kind = iota
	Video
)

func (k Kind) String() string {
	switch k {
	case Audio:
		return "audio"
	case Video:
		return "video"
	default:
		return "unknown"
	}
}

// Frame is one encoded access unit of audio or video with a presentation
// timestamp in microseconds. A frame is owned by exactly one stage at a time:
// the encoder that created it, the buffer that queues it, or the sink that
// writes it. The owning stage calls Release exactly once when the frame is
// consumed or dropped.
//
// FirstFragment and LastFragment mark the frame's position within a logical
// access unit for transports that segment messages (SRT). A frame that is
// both first and last is a complete, unfragmented unit.
type Frame struct {
	Kind          Kind
	PTS           int64 // presentation timestamp, microseconds
	Payload       []byte
	IsKeyframe    bool
	FirstFragment bool
	LastFragment  bool
}

// NewVideoFrame builds a complete (unfragmented) video frame.
func NewVideoFrame(pts int64, payload []byte, keyframe bool) *Frame {
	return &Frame{
		Kind:          Video,
		PTS:           pts,
		Payload:       payload,
		IsKeyframe:    keyframe,
		FirstFragment: true,
		LastFragment:  true,
	}
}

// NewAudioFrame builds a complete audio frame. Audio has no keyframe
// hierarchy; every frame is independently decodable.
func NewAudioFrame(pts int64, payload []byte) *Frame {
	return &Frame{
		Kind:          Audio,
		PTS:           pts,
		Payload:       payload,
		FirstFragment: true,
		LastFragment:  true,
	}
}

var payloadPool sync.Pool

// PayloadBuffer returns a byte slice of length n for a frame payload,
// reusing storage from released frames when a large enough buffer is
// available. Contents are not zeroed; callers overwrite the full slice.
func PayloadBuffer(n int) []byte {
	if b, ok := payloadPool.Get().(*[]byte); ok && cap(*b) >= n {
		return (*b)[:n]
	}
	return make([]byte, n)
}

// Release returns the frame's payload storage to the pool and drops the
// reference. The buffer calls Release for frames it evicts; the drain loop
// calls it after a successful write. The frame must not be read afterwards.
func (f *Frame) Release() {
	if f.Payload == nil {
		return
	}
	buf := f.Payload[:0]
	payloadPool.Put(&buf)
	f.Payload = nil
}
