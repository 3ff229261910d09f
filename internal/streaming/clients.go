package streaming

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WebSocket close codes surfaced to viewers.
const (
	CloseNormal   = 1000
	ClosePolicy   = 1008
	CloseInternal = 1011
)

// minQueueCapacity is the floor on a viewer's send queue in bytes.
const minQueueCapacity = 4 << 20

// queueSlots bounds the number of queued chunks per viewer. Enqueue fails
// when either this slot count or the byte budget is exhausted.
const queueSlots = 1024

// Sink is a viewer's outbound byte stream. Writes may block or fail; Close
// delivers a close code before tearing the connection down.
type Sink interface {
	WriteBinary(data []byte) error
	Close(code int, reason string) error
}

// Viewer is one connected client with its bounded send queue and the writer
// goroutine draining it.
type Viewer struct {
	ID          string
	ConnectedAt time.Time

	sink     Sink
	capacity int64
	queue    chan []byte
	queued   atomic.Int64
	done     chan struct{}
	once     sync.Once
}

// Enqueue appends data to the viewer's queue. Returns false when the queue's
// byte budget or slot count is exhausted; the caller evicts the viewer.
func (v *Viewer) Enqueue(data []byte) bool {
	select {
	case <-v.done:
		return true // already closing, nothing to deliver
	default:
	}
	if v.queued.Load()+int64(len(data)) > v.capacity {
		return false
	}
	select {
	case v.queue <- data:
		v.queued.Add(int64(len(data)))
		return true
	default:
		return false
	}
}

// run drains the queue into the sink. A transport error reports the viewer
// dead; the coordinator removes it.
func (v *Viewer) run(onDead func(id string)) {
	for {
		select {
		case <-v.done:
			return
		case data := <-v.queue:
			v.queued.Add(int64(-len(data)))
			if err := v.sink.WriteBinary(data); err != nil {
				onDead(v.ID)
				return
			}
		}
	}
}

// close stops the writer and closes the sink with the given code. Idempotent;
// the first caller's code wins.
func (v *Viewer) close(code int, reason string) {
	v.once.Do(func() {
		close(v.done)
		_ = v.sink.Close(code, reason)
	})
}

// ClientManager is the registry of connected viewers. It owns no lock: the
// coordinator serializes Add/Remove/Snapshot under its mutex, while each
// viewer's queue and writer goroutine are safe on their own.
type ClientManager struct {
	logger        *slog.Logger
	queueCapacity int64
	onDead        func(id string)
	viewers       map[string]*Viewer
}

// NewClientManager creates an empty registry. queueCapacity is the per-viewer
// send budget in bytes; onDead is invoked from a viewer's writer goroutine
// when its transport fails.
func NewClientManager(queueCapacity int64, onDead func(id string), logger *slog.Logger) *ClientManager {
	if queueCapacity < minQueueCapacity {
		queueCapacity = minQueueCapacity
	}
	return &ClientManager{
		logger:        logger,
		queueCapacity: queueCapacity,
		onDead:        onDead,
		viewers:       make(map[string]*Viewer),
	}
}

// Add registers a viewer and enqueues the optional initial payload before
// any broadcast bytes can reach it. Returns the viewer and whether the
// initial payload overflowed the queue (the caller then evicts).
func (m *ClientManager) Add(sink Sink, initial []byte) (*Viewer, bool) {
	v := &Viewer{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		sink:        sink,
		capacity:    m.queueCapacity,
		queue:       make(chan []byte, queueSlots),
		done:        make(chan struct{}),
	}
	m.viewers[v.ID] = v

	overflow := false
	if len(initial) > 0 {
		overflow = !v.Enqueue(initial)
	}

	go v.run(m.onDead)

	m.logger.Info("Viewer added", "viewer_id", v.ID, "viewers", len(m.viewers))
	return v, overflow
}

// Remove deletes a viewer from the registry. Idempotent: returns nil when the
// id is unknown. The caller closes the returned viewer's sink outside the
// coordinator lock.
func (m *ClientManager) Remove(id string) *Viewer {
	v, ok := m.viewers[id]
	if !ok {
		return nil
	}
	delete(m.viewers, id)
	m.logger.Info("Viewer removed", "viewer_id", id, "viewers", len(m.viewers))
	return v
}

// RemoveAll empties the registry and returns the removed viewers.
func (m *ClientManager) RemoveAll() []*Viewer {
	removed := make([]*Viewer, 0, len(m.viewers))
	for id, v := range m.viewers {
		removed = append(removed, v)
		delete(m.viewers, id)
	}
	return removed
}

// Snapshot returns the current viewers for a broadcast pass.
func (m *ClientManager) Snapshot() []*Viewer {
	out := make([]*Viewer, 0, len(m.viewers))
	for _, v := range m.viewers {
		out = append(out, v)
	}
	return out
}

// Count returns the number of registered viewers.
func (m *ClientManager) Count() int { return len(m.viewers) }

// IsEmpty reports whether no viewers remain.
func (m *ClientManager) IsEmpty() bool { return len(m.viewers) == 0 }

// QueueCapacityForBitrate derives the per-viewer send budget: enough bytes to
// cover about two seconds at the configured bitrate, never less than 4 MiB.
func QueueCapacityForBitrate(bitrate string) int64 {
	bits := parseBitrate(bitrate)
	capacity := bits / 8 * 2
	if capacity < minQueueCapacity {
		return minQueueCapacity
	}
	return capacity
}

// parseBitrate understands ffmpeg-style rates: "2M", "2500k", "800000".
func parseBitrate(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1_000
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1_000_000
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n * mult
}
