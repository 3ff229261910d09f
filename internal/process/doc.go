// Package process supervises the encoder subprocess.
//
// A Supervisor owns one run of the child: it spawns the argv produced by the
// injected CommandBuilder, exposes stdout as a byte stream, drains stderr
// into the log, and performs a two-phase stop (graceful signal, then kill).
// Restart policy lives above the supervisor; crashes are accounted by the
// HealthMonitor's sliding-window ledger and the caller decides whether a new
// supervisor run is allowed.
package process
