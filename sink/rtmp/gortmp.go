package rtmp

import (
	"bytes"
	"errors"
	"fmt"

	gortmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/lumastream/egress/sink"
)

// flashVer is the fixed client identification sent with the connect command.
// Common RTMP media servers key encoder detection off the FMLE prefix.
const flashVer = "FMLE/3.0 (compatible; FMSc/1.0)"

const (
	chunkSize          = 128
	audioChunkStreamID = 5
	videoChunkStreamID = 6
)

// goRTMPTransport drives a yutopp/go-rtmp client connection. It is created
// and used exclusively on the sink's transport goroutine.
type goRTMPTransport struct {
	conn   *gortmp.ClientConn
	stream *gortmp.Stream
}

// dialGoRTMP establishes the TCP+handshake connection and issues the
// NetConnection connect command for the destination's app.
func dialGoRTMP(dest *sink.Destination) (transport, error) {
	conn, err := gortmp.Dial("rtmp", dest.Host, &gortmp.ConnConfig{})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := conn.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      dest.App,
			FlashVer: flashVer,
			TCURL:    dest.TCURL(),
		},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect command: %w", err)
	}

	return &goRTMPTransport{conn: conn}, nil
}

func (t *goRTMPTransport) Publish(streamKey string) error {
	stream, err := t.conn.CreateStream(&rtmpmsg.NetConnectionCreateStream{}, chunkSize)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: streamKey,
		PublishingType: "live",
	}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	t.stream = stream
	return nil
}

func (t *goRTMPTransport) WriteAudio(timestampMs uint32, payload []byte) (int, error) {
	if t.stream == nil {
		return 0, errors.New("rtmp: stream not published")
	}
	err := t.stream.Write(audioChunkStreamID, timestampMs, &rtmpmsg.AudioMessage{
		Payload: bytes.NewReader(payload),
	})
	if err != nil {
		return 0, err
	}
	return len(payload), nil
}

func (t *goRTMPTransport) WriteVideo(timestampMs uint32, payload []byte) (int, error) {
	if t.stream == nil {
		return 0, errors.New("rtmp: stream not published")
	}
	err := t.stream.Write(videoChunkStreamID, timestampMs, &rtmpmsg.VideoMessage{
		Payload: bytes.NewReader(payload),
	})
	if err != nil {
		return 0, err
	}
	return len(payload), nil
}

func (t *goRTMPTransport) Close() error {
	return t.conn.Close()
}
