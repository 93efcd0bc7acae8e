package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"termlend/core/events"
)

const (
	wsWriteTimeout   = 10 * time.Second
	streamBufferSize = 256
)

// handleStream upgrades to a websocket and pushes committed events as JSON
// text frames. The optional market and type query parameters filter the
// stream. When after is present, buffered events with a higher sequence
// are replayed first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	market := strings.ToUpper(strings.TrimSpace(q.Get("market")))
	eventType := strings.TrimSpace(q.Get("type"))
	var after uint64
	replay := q.Has("after")
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Client frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	err = s.streamEvents(ctx, conn, market, eventType, after, replay)
	switch {
	case err == errSubscriberDropped:
		_ = conn.Close(websocket.StatusTryAgainLater, "subscriber lagging")
	case err != nil && websocket.CloseStatus(err) == -1 && ctx.Err() == nil:
		s.logger.Debug("event stream failed", slog.String("request_id", requestIDFrom(r.Context())), slog.Any("error", err))
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

type streamError string

func (e streamError) Error() string { return string(e) }

const errSubscriberDropped = streamError("subscriber dropped")

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, market, eventType string, after uint64, replay bool) error {
	updates, cancel := s.rt.Hub().Subscribe(streamBufferSize)
	defer cancel()

	match := func(env events.Envelope) bool {
		if env.Sequence <= after {
			return false
		}
		if market != "" && env.Market != market {
			return false
		}
		return eventType == "" || env.Type == eventType
	}

	if replay {
		for _, env := range s.rt.Hub().Recent(market, after, 0) {
			if !match(env) {
				continue
			}
			if err := writeEnvelope(ctx, conn, env); err != nil {
				return err
			}
			after = env.Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-updates:
			if !ok {
				return errSubscriberDropped
			}
			if !match(env) {
				continue
			}
			if err := writeEnvelope(ctx, conn, env); err != nil {
				return err
			}
			after = env.Sequence
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env events.Envelope) error {
	data, err := json.Marshal(toEvent(env))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
