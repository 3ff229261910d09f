// Package events provides the in-process event bus used to decouple the
// streaming coordinator from reactive subsystems (metrics, logging taps).
package events

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeViewerConnected
	TypeViewerDisconnected
	TypeViewerEvicted
	TypeEncoderStarted
	TypeEncoderStopped
	TypeEncoderCrashed
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChangedEvent is published on every coordinator state transition.
type StateChangedEvent struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Viewers   int    `json:"viewers"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for StateChangedEvent.
func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// ViewerConnectedEvent is published when a viewer is admitted.
type ViewerConnectedEvent struct {
	ViewerID  string `json:"viewer_id"`
	Viewers   int    `json:"viewers"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for ViewerConnectedEvent.
func (e ViewerConnectedEvent) Type() uint32 { return TypeViewerConnected }

// ViewerDisconnectedEvent is published when a viewer leaves or is removed.
type ViewerDisconnectedEvent struct {
	ViewerID  string `json:"viewer_id"`
	Viewers   int    `json:"viewers"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for ViewerDisconnectedEvent.
func (e ViewerDisconnectedEvent) Type() uint32 { return TypeViewerDisconnected }

// ViewerEvictedEvent is published when a slow viewer is dropped for
// backpressure overflow.
type ViewerEvictedEvent struct {
	ViewerID  string `json:"viewer_id"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for ViewerEvictedEvent.
func (e ViewerEvictedEvent) Type() uint32 { return TypeViewerEvicted }

// EncoderStartedEvent is published when the encoder child starts.
type EncoderStartedEvent struct {
	PID       int    `json:"pid"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for EncoderStartedEvent.
func (e EncoderStartedEvent) Type() uint32 { return TypeEncoderStarted }

// EncoderStoppedEvent is published on a clean, coordinator-initiated stop.
type EncoderStoppedEvent struct {
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for EncoderStoppedEvent.
func (e EncoderStoppedEvent) Type() uint32 { return TypeEncoderStopped }

// EncoderCrashedEvent is published on an unexpected encoder exit or a failed
// spawn. Restarting reports whether the crash breaker allowed a respawn.
type EncoderCrashedEvent struct {
	ExitCode   int    `json:"exit_code"`
	Crashes    int    `json:"crashes"`
	Restarting bool   `json:"restarting"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for EncoderCrashedEvent.
func (e EncoderCrashedEvent) Type() uint32 { return TypeEncoderCrashed }
