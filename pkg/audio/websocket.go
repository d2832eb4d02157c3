package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"layeh.com/gopus"
)

// Codec names the encoding of binary websocket messages.
type Codec string

const (
	// CodecPCM is interleaved little-endian int16 PCM.
	CodecPCM Codec = "pcm"

	// CodecOpus is one Opus packet per message.
	CodecOpus Codec = "opus"
)

// ParseCodec returns the codec named s (case-insensitive). Empty means PCM.
func ParseCodec(s string) (Codec, error) {
	switch Codec(strings.ToLower(s)) {
	case "", CodecPCM:
		return CodecPCM, nil
	case CodecOpus:
		return CodecOpus, nil
	}
	return "", fmt.Errorf("audio: unknown codec %q", s)
}

// opusMaxFrame is the largest Opus frame (120 ms) at [SampleRate].
const opusMaxFrame = SampleRate * 120 / 1000

// WebSocketSource reads audio from binary messages on a websocket
// connection. Text messages are ignored. A normal closure from the peer
// ends the stream with io.EOF.
type WebSocketSource struct {
	conn   *websocket.Conn
	codec  Codec
	format Format
	conv   FormatConverter
	opus   *gopus.Decoder
	rest   []int16
}

var _ Source = (*WebSocketSource)(nil)

// NewWebSocketSource wraps conn. For [CodecPCM], f is the format of the
// incoming PCM. Opus packets are always decoded straight to mono
// [SampleRate], so f is ignored for [CodecOpus].
func NewWebSocketSource(conn *websocket.Conn, codec Codec, f Format) (*WebSocketSource, error) {
	s := &WebSocketSource{conn: conn, codec: codec, format: f}
	switch codec {
	case CodecPCM:
		if f.SampleRate <= 0 || f.Channels <= 0 {
			return nil, fmt.Errorf("audio: websocket source: invalid format %+v", f)
		}
	case CodecOpus:
		dec, err := gopus.NewDecoder(SampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("audio: create opus decoder: %w", err)
		}
		s.opus = dec
		s.format = Mono16k
	default:
		return nil, fmt.Errorf("audio: unknown codec %q", codec)
	}
	return s, nil
}

// Read implements [Source].
func (s *WebSocketSource) Read(ctx context.Context, buf []int16) (int, error) {
	for len(s.rest) == 0 {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return 0, io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, fmt.Errorf("audio: websocket read: %w", err)
		}
		if typ != websocket.MessageBinary {
			slog.Debug("audio: websocket source: ignoring text message", "bytes", len(msg))
			continue
		}
		if s.rest, err = s.decode(msg); err != nil {
			return 0, err
		}
	}
	n := copy(buf, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

func (s *WebSocketSource) decode(msg []byte) ([]int16, error) {
	if s.codec == CodecOpus {
		pcm, err := s.opus.Decode(msg, opusMaxFrame, false)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", err)
		}
		return pcm, nil
	}
	if len(msg)%(2*s.format.Channels) != 0 {
		s.conv.warnCorrupt(len(msg), s.format.SampleRate, s.format.Channels)
		return nil, nil
	}
	return s.conv.ConvertSamples(BytesToSamples(msg), s.format)
}

// Send writes v to the peer as a JSON text message.
func (s *WebSocketSource) Send(ctx context.Context, v any) error {
	if err := wsjson.Write(ctx, s.conn, v); err != nil {
		return fmt.Errorf("audio: websocket send: %w", err)
	}
	return nil
}

// Close implements [Source]. It closes the connection with a normal
// closure status.
func (s *WebSocketSource) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
