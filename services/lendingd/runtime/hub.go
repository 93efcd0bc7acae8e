package runtime

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"termlend/core/events"
	"termlend/observability"
)

const recentCapacity = 1024

// Hub sequences committed market events and fans them out to the log, the
// metrics registry, durable sinks and live subscribers.
type Hub struct {
	logger  *slog.Logger
	clock   func() time.Time
	sinks   []events.Sink
	metrics *observability.LendingMetrics

	mu     sync.Mutex
	seq    uint64
	recent []events.Envelope
	subs   map[uint64]chan events.Envelope
	nextID uint64
}

func NewHub(logger *slog.Logger, clock func() time.Time, sinks ...events.Sink) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Hub{
		logger:  logger,
		clock:   clock,
		sinks:   sinks,
		metrics: observability.Lending(),
		subs:    make(map[uint64]chan events.Envelope),
	}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	rec := events.Render(evt)
	if rec == nil {
		return
	}
	h.mu.Lock()
	h.seq++
	env := events.Envelope{
		ID:       uuid.NewString(),
		Sequence: h.seq,
		Time:     h.clock().UTC(),
		Market:   strings.ToUpper(rec.Attributes["market"]),
		Record:   *rec,
	}
	h.recent = append(h.recent, env)
	if len(h.recent) > recentCapacity {
		h.recent = h.recent[len(h.recent)-recentCapacity:]
	}
	for id, ch := range h.subs {
		select {
		case ch <- env:
		default:
			h.logger.Warn("dropping slow event subscriber", slog.Uint64("subscriber", id))
			close(ch)
			delete(h.subs, id)
		}
	}
	h.mu.Unlock()

	h.metrics.RecordEvent(env.Type, env.Market)
	h.logger.Debug("market event", slog.String("type", env.Type), slog.String("market", env.Market), slog.Uint64("sequence", env.Sequence))
	for _, sink := range h.sinks {
		if err := sink.Store(env); err != nil {
			h.logger.Error("event sink failed", slog.String("type", env.Type), slog.Any("error", err))
		}
	}
}

// Subscribe returns a channel receiving every envelope emitted from now on.
// The channel is closed by cancel, or by the hub when the subscriber falls
// more than buffer events behind.
func (h *Hub) Subscribe(buffer int) (<-chan events.Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan events.Envelope, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if existing, ok := h.subs[id]; ok {
				close(existing)
				delete(h.subs, id)
			}
		})
	}
}

// Recent returns up to limit of the latest envelopes with sequence above
// after, oldest first, optionally filtered by market.
func (h *Hub) Recent(market string, after uint64, limit int) []events.Envelope {
	market = strings.ToUpper(strings.TrimSpace(market))
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.Envelope, 0)
	for _, env := range h.recent {
		if env.Sequence <= after {
			continue
		}
		if market != "" && env.Market != market {
			continue
		}
		out = append(out, env)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Resume continues numbering after seq, typically the last archived
// sequence.
func (h *Hub) Resume(seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq > h.seq {
		h.seq = seq
	}
}
