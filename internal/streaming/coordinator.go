package streaming

import (
	"log/slog"
	"sync"
	"time"

	"screenstreamer/internal/events"
	"screenstreamer/internal/process"
)

// State is the coordinator's lifecycle state.
type State int

// Coordinator lifecycle states.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopping
	StateFaulted
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopping:
		return "stopping"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Encoder is the capability the coordinator needs from a process supervisor.
// process.Supervisor satisfies it; tests substitute fakes.
type Encoder interface {
	Start() error
	Stop(grace time.Duration) bool
	ReadStdout(p []byte) (int, error)
	Poll() (int, bool)
	Pid() int
	IsRunning() bool
}

// Options configures a Coordinator.
type Options struct {
	// NewEncoder creates a fresh supervisor for each encoder run.
	NewEncoder func() Encoder
	// Health is the crash breaker shared across runs.
	Health *process.HealthMonitor
	// ShutdownGrace is the delay before tearing down the encoder after the
	// last viewer leaves.
	ShutdownGrace time.Duration
	// StopGrace is the graceful-terminate deadline handed to Encoder.Stop.
	StopGrace time.Duration
	// QueueCapacity is the per-viewer send budget in bytes.
	QueueCapacity int64
	Bus           *events.Bus
	Logger        *slog.Logger
}

// Coordinator is the lifecycle state machine gluing the supervisor, GOP
// buffer, client manager, and forwarder to viewer arrivals and departures.
//
// One mutex guards the state word, the viewer registry, and the GOP buffer.
// The forwarder holds it only to ingest a chunk and snapshot the viewer list;
// per-viewer queue writes happen after release, so a slow socket never blocks
// a state transition.
type Coordinator struct {
	opts    Options
	logger  *slog.Logger
	bus     *events.Bus
	clients *ClientManager
	gop     *GOPBuffer

	mu         sync.Mutex
	state      State
	enc        Encoder
	fwd        *Forwarder
	encStarted time.Time
	timer      *time.Timer
	timerGen   int
	everRan    bool
}

// NewCoordinator creates a coordinator in StateIdle. No encoder is spawned
// until the first viewer connects.
func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		opts:   opts,
		logger: opts.Logger,
		bus:    opts.Bus,
		gop:    NewGOPBuffer(opts.Logger),
		state:  StateIdle,
	}
	c.clients = NewClientManager(opts.QueueCapacity, c.handleViewerDead, opts.Logger)
	setStateMetric(StateIdle)
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EverRan reports whether an encoder was ever spawned successfully. Used by the
// CLI to distinguish a breaker tripped at startup from one tripped later.
func (c *Coordinator) EverRan() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.everRan
}

// HandleViewerConnect admits a viewer. Late joiners get the bootstrap prefix
// queued before any live bytes; in Faulted the connection is accepted and
// immediately closed with a policy code.
func (c *Coordinator) HandleViewerConnect(sink Sink) string {
	c.mu.Lock()

	switch c.state {
	case StateFaulted:
		v, _ := c.clients.Add(sink, nil)
		c.clients.Remove(v.ID)
		c.mu.Unlock()
		v.close(ClosePolicy, "stream faulted")
		c.logger.Warn("Viewer rejected, coordinator faulted", "viewer_id", v.ID)
		return v.ID

	case StateStopping:
		v, _ := c.clients.Add(sink, nil)
		c.clients.Remove(v.ID)
		c.mu.Unlock()
		v.close(CloseInternal, "shutting down")
		return v.ID

	case StateIdle:
		c.setStateLocked(StateStarting)
		v, _ := c.clients.Add(sink, nil)
		count := c.clients.Count()
		c.mu.Unlock()
		c.publishViewerConnected(v.ID, count)
		c.logger.Info("First viewer connected, starting encoder", "viewer_id", v.ID)
		c.startEncoder()
		return v.ID

	case StateStarting:
		// The live stream will begin with the header bytes; no bootstrap.
		v, _ := c.clients.Add(sink, nil)
		count := c.clients.Count()
		c.mu.Unlock()
		c.publishViewerConnected(v.ID, count)
		return v.ID

	default: // StateRunning, StateDraining
		if c.state == StateDraining {
			c.cancelTimerLocked()
			c.setStateLocked(StateRunning)
			c.logger.Info("Viewer connected during drain, shutdown cancelled")
		}
		bootstrap := c.gop.Bootstrap()
		v, overflow := c.clients.Add(sink, bootstrap)
		count := c.clients.Count()
		c.mu.Unlock()
		c.publishViewerConnected(v.ID, count)
		if len(bootstrap) > 0 {
			c.logger.Info("Bootstrap sent to late joiner",
				"viewer_id", v.ID, "bytes", len(bootstrap))
		}
		if overflow {
			c.evictViewer(v.ID)
		}
		return v.ID
	}
}

// HandleViewerDisconnect removes a viewer after its connection ends. The last
// departure arms the delayed-shutdown timer.
func (c *Coordinator) HandleViewerDisconnect(id string) {
	c.removeViewer(id, CloseNormal, "")
}

// handleViewerDead is called from a viewer's writer goroutine on transport
// failure.
func (c *Coordinator) handleViewerDead(id string) {
	c.logger.Debug("Viewer transport failed", "viewer_id", id)
	c.removeViewer(id, CloseInternal, "write failed")
}

// evictViewer drops a slow viewer whose send queue overflowed.
func (c *Coordinator) evictViewer(id string) {
	metricViewersEvicted.Inc()
	c.logger.Warn("Evicting slow viewer", "viewer_id", id)
	c.bus.Publish(events.ViewerEvictedEvent{
		ViewerID:  id,
		Reason:    "send queue overflow",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	c.removeViewer(id, CloseInternal, "send queue overflow")
}

func (c *Coordinator) removeViewer(id string, code int, reason string) {
	c.mu.Lock()
	v := c.clients.Remove(id)
	if v == nil {
		c.mu.Unlock()
		return
	}
	count := c.clients.Count()
	if count == 0 && c.state == StateRunning {
		c.setStateLocked(StateDraining)
		c.armTimerLocked()
		c.logger.Info("Last viewer left, encoder shutdown scheduled",
			"grace", c.opts.ShutdownGrace)
	}
	c.mu.Unlock()

	v.close(code, reason)
	metricViewers.Set(float64(count))
	c.bus.Publish(events.ViewerDisconnectedEvent{
		ViewerID:  id,
		Viewers:   count,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// forwardChunk is the forwarder's per-chunk callback: ingest and snapshot
// under the lock, enqueue to each viewer after release.
func (c *Coordinator) forwardChunk(chunk []byte) {
	c.mu.Lock()
	c.gop.Ingest(chunk)
	targets := c.clients.Snapshot()
	c.mu.Unlock()

	for _, v := range targets {
		if !v.Enqueue(chunk) {
			c.evictViewer(v.ID)
		}
	}
}

// startEncoder spawns a run. Caller must have set StateStarting.
func (c *Coordinator) startEncoder() {
	enc := c.opts.NewEncoder()
	err := enc.Start()
	now := time.Now()

	if err != nil {
		c.logger.Error("Encoder spawn failed", "error", err)
		c.opts.Health.RecordCrash(now)
		metricEncoderCrashes.Inc()
		restartable := c.opts.Health.ShouldRestart(now)
		c.bus.Publish(events.EncoderCrashedEvent{
			ExitCode:   -1,
			Crashes:    c.opts.Health.CrashCount(now),
			Restarting: restartable,
			Timestamp:  now.UTC().Format(time.RFC3339),
		})
		if !restartable {
			c.enterFaulted()
			return
		}
		// The attempt is abandoned; the next viewer triggers a fresh one.
		c.mu.Lock()
		c.setStateLocked(StateIdle)
		removed := c.clients.RemoveAll()
		c.mu.Unlock()
		for _, v := range removed {
			v.close(CloseInternal, "encoder failed to start")
		}
		metricViewers.Set(0)
		return
	}

	c.mu.Lock()
	if c.state != StateStarting {
		// A shutdown raced the spawn; tear the child back down.
		c.mu.Unlock()
		enc.Stop(c.opts.StopGrace)
		return
	}
	c.enc = enc
	c.encStarted = now
	c.everRan = true
	c.gop.Reset()
	fwd := NewForwarder(enc, c.forwardChunk, c.handleEncoderEOF, c.logger)
	c.fwd = fwd
	if c.clients.IsEmpty() {
		// All viewers left while the encoder was spawning.
		c.setStateLocked(StateDraining)
		c.armTimerLocked()
	} else {
		c.setStateLocked(StateRunning)
	}
	c.mu.Unlock()

	c.logger.Info("Encoder running", "pid", enc.Pid())
	c.bus.Publish(events.EncoderStartedEvent{
		PID:       enc.Pid(),
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	fwd.Start()
}

// handleEncoderEOF runs when the encoder's stdout closes without a
// coordinator-initiated stop: an unexpected exit.
func (c *Coordinator) handleEncoderEOF() {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StateDraining {
		c.mu.Unlock()
		return
	}
	enc := c.enc
	c.enc = nil
	c.fwd = nil
	c.cancelTimerLocked()
	c.setStateLocked(StateStarting)
	c.mu.Unlock()

	exitCode := -1
	if enc != nil {
		enc.Stop(time.Second) // reap; the child is already gone
		if code, exited := enc.Poll(); exited {
			exitCode = code
		}
	}

	now := time.Now()
	c.opts.Health.RecordCrash(now)
	metricEncoderCrashes.Inc()
	restart := c.opts.Health.ShouldRestart(now)
	c.logger.Error("Encoder exited unexpectedly",
		"exit_code", exitCode, "crashes", c.opts.Health.CrashCount(now), "restarting", restart)
	c.bus.Publish(events.EncoderCrashedEvent{
		ExitCode:   exitCode,
		Crashes:    c.opts.Health.CrashCount(now),
		Restarting: restart,
		Timestamp:  now.UTC().Format(time.RFC3339),
	})

	if !restart {
		c.enterFaulted()
		return
	}

	c.mu.Lock()
	if c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	c.gop.Reset()
	c.mu.Unlock()
	metricEncoderRestarts.Inc()
	c.startEncoder()
}

// enterFaulted trips the breaker: every viewer is closed with the policy
// code and new viewers are turned away until the process restarts.
func (c *Coordinator) enterFaulted() {
	c.mu.Lock()
	c.setStateLocked(StateFaulted)
	c.cancelTimerLocked()
	removed := c.clients.RemoveAll()
	enc := c.enc
	fwd := c.fwd
	c.enc = nil
	c.fwd = nil
	c.mu.Unlock()

	c.logger.Error("Crash threshold exceeded, entering faulted state")
	if fwd != nil {
		fwd.Stop()
	}
	for _, v := range removed {
		v.close(ClosePolicy, "stream faulted")
	}
	metricViewers.Set(0)
	if enc != nil {
		enc.Stop(c.opts.StopGrace)
	}
}

// armTimerLocked arms the single-shot delayed-shutdown timer. Re-arming
// bumps the generation so a stale fire is ignored.
func (c *Coordinator) armTimerLocked() {
	c.timerGen++
	gen := c.timerGen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.opts.ShutdownGrace, func() {
		c.onShutdownTimer(gen)
	})
}

func (c *Coordinator) cancelTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// onShutdownTimer fires after the grace period. The handler re-checks the
// generation, state, and viewer count: cancellation must be safe against a
// concurrent fire.
func (c *Coordinator) onShutdownTimer(gen int) {
	c.mu.Lock()
	if gen != c.timerGen || c.state != StateDraining || !c.clients.IsEmpty() {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateStopping)
	enc := c.enc
	fwd := c.fwd
	c.enc = nil
	c.fwd = nil
	c.gop.Reset()
	c.mu.Unlock()

	c.logger.Info("Shutdown grace elapsed, stopping encoder")
	if fwd != nil {
		fwd.Stop()
	}
	if enc != nil {
		enc.Stop(c.opts.StopGrace)
	}
	c.opts.Health.Reset()
	c.bus.Publish(events.EncoderStoppedEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
}

// Shutdown tears everything down: viewers closed normally, encoder stopped,
// state back to Idle. Idempotent.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.state == StateStopping {
		c.mu.Unlock()
		return
	}
	hadEncoder := c.enc != nil
	c.setStateLocked(StateStopping)
	c.cancelTimerLocked()
	removed := c.clients.RemoveAll()
	enc := c.enc
	fwd := c.fwd
	c.enc = nil
	c.fwd = nil
	c.gop.Reset()
	c.mu.Unlock()

	if fwd != nil {
		fwd.Stop()
	}
	for _, v := range removed {
		v.close(CloseNormal, "server shutting down")
	}
	metricViewers.Set(0)
	if enc != nil {
		enc.Stop(c.opts.StopGrace)
	}
	c.opts.Health.Reset()
	if hadEncoder {
		c.bus.Publish(events.EncoderStoppedEvent{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}

	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
}

// Status is a point-in-time snapshot for logs and diagnostics.
type Status struct {
	State          string
	Viewers        int
	EncoderPID     int
	EncoderRunning bool
	UptimeSeconds  float64
	BytesRead      uint64
	Chunks         uint64
	BootstrapReady bool
}

// Status returns the current snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:          c.state.String(),
		Viewers:        c.clients.Count(),
		BootstrapReady: c.gop.Ready(),
	}
	if c.enc != nil {
		st.EncoderPID = c.enc.Pid()
		st.EncoderRunning = c.enc.IsRunning()
		st.UptimeSeconds = time.Since(c.encStarted).Seconds()
	}
	if c.fwd != nil {
		st.BytesRead = c.fwd.BytesRead()
		st.Chunks = c.fwd.Chunks()
	}
	return st
}

// setStateLocked transitions the state word and publishes the change.
func (c *Coordinator) setStateLocked(next State) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	setStateMetric(next)
	c.logger.Debug("State transition", "from", prev.String(), "to", next.String())
	c.bus.Publish(events.StateChangedEvent{
		From:      prev.String(),
		To:        next.String(),
		Viewers:   c.clients.Count(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// publishViewerConnected mirrors the viewer gauge and publishes the event.
func (c *Coordinator) publishViewerConnected(id string, count int) {
	metricViewers.Set(float64(count))
	c.bus.Publish(events.ViewerConnectedEvent{
		ViewerID:  id,
		Viewers:   count,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
