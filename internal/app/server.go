package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/wakeword/internal/events"
	"github.com/MrWong99/wakeword/internal/observe"
	"github.com/MrWong99/wakeword/pkg/audio"
	"github.com/MrWong99/wakeword/pkg/catalog"
)

// StreamPath is the websocket endpoint audio is streamed to.
const StreamPath = "/v1/stream"

// Message is a JSON text message sent to a streaming client.
type Message struct {
	// Type is "ready", "detection" or "error".
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`

	// Models lists the running model ids. Set on "ready".
	Models []string `json:"models,omitempty"`

	Detection *events.Detection `json:"detection,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Handler returns the HTTP API: the websocket stream endpoint, health
// probes and Prometheus metrics from reg, all behind [observe.Middleware].
func (a *App) Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+StreamPath, a.serveStream)
	mux.Handle("GET /metrics", observe.MetricsHandler(reg))
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// serveStream accepts a websocket and runs a listener over it until the
// client closes the connection. Query parameters: codec (pcm|opus),
// sample_rate and channels (PCM only), stream_id (optional).
func (a *App) serveStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	codec, err := audio.ParseCodec(q.Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := a.Config()
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	if format.SampleRate, err = intParam(q.Get("sample_rate"), format.SampleRate); err != nil {
		http.Error(w, "invalid sample_rate", http.StatusBadRequest)
		return
	}
	if format.Channels, err = intParam(q.Get("channels"), format.Channels); err != nil {
		http.Error(w, "invalid channels", http.StatusBadRequest)
		return
	}
	streamID := q.Get("stream_id")
	if streamID == "" {
		streamID = uuid.NewString()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	src, err := audio.NewWebSocketSource(conn, codec, format)
	if err != nil {
		_ = conn.Close(websocket.StatusUnsupportedData, err.Error())
		return
	}

	ctx := r.Context()
	log := observe.Logger(ctx).With("stream", streamID)
	send := func(m Message) {
		m.StreamID = streamID
		if err := src.Send(ctx, m); err != nil {
			log.Debug("websocket send failed", "type", m.Type, "err", err)
		}
	}

	err = a.Listen(ctx, streamID, src, Hooks{
		OnReady: func(models []catalog.Descriptor) {
			ids := make([]string, len(models))
			for i, d := range models {
				ids[i] = d.ID
			}
			send(Message{Type: "ready", Models: ids})
		},
		OnDetected: func(d events.Detection) {
			send(Message{Type: "detection", Detection: &d})
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("stream failed", "err", err)
		send(Message{Type: "error", Error: err.Error()})
		_ = conn.Close(websocket.StatusInternalError, "listener failed")
	}
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
