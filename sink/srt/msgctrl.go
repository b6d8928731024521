package srt

import (
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/lumastream/egress/media"
)

// Boundary marks a message's position within a fragmented logical access
// unit, as understood by the SRT message API.
type Boundary int

const (
	BoundarySubsequent Boundary = iota
	BoundaryLast
	BoundaryFirst
	BoundarySolo
)

func (b Boundary) String() string {
	switch b {
	case BoundarySubsequent:
		return "subsequent"
	case BoundaryLast:
		return "last"
	case BoundaryFirst:
		return "first"
	case BoundarySolo:
		return "solo"
	default:
		return "unknown"
	}
}

// MsgCtrl is the per-message metadata handed to the transport alongside a
// frame's payload. SrcTime is only meaningful when HasSrcTime is set; a
// frame timestamp of zero means "no explicit timestamp" and is omitted from
// the message rather than sent as literal zero.
type MsgCtrl struct {
	Boundary   Boundary
	SrcTime    int64 // microseconds
	HasSrcTime bool
}

func buildMsgCtrl(f *media.Frame) MsgCtrl {
	mc := MsgCtrl{Boundary: boundaryOf(f)}
	if f.PTS != 0 {
		mc.SrcTime = f.PTS
		mc.HasSrcTime = true
	}
	return mc
}

// srtgoMsgCtrl maps the sink's message metadata onto the transport's control
// block. The transport stamps messages at send time when SrcTime is zero,
// which matches HasSrcTime; packet positions within a fragmented message are
// assigned by the transport itself.
func srtgoMsgCtrl(mc MsgCtrl) *srtgo.MsgCtrl {
	smc := &srtgo.MsgCtrl{InOrder: true}
	if mc.HasSrcTime {
		smc.SrcTime = time.UnixMicro(mc.SrcTime)
	}
	return smc
}

func boundaryOf(f *media.Frame) Boundary {
	switch {
	case f.FirstFragment && f.LastFragment:
		return BoundarySolo
	case f.FirstFragment:
		return BoundaryFirst
	case f.LastFragment:
		return BoundaryLast
	default:
		return BoundarySubsequent
	}
}
