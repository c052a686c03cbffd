package metrics

import "time"

// Measurement statuses recorded on OperationDuration.
const (
	statusOK        = "ok"
	statusEarlyExit = "early_exit"
)

// Measurement is a scoped timer over OperationDuration. A guard is begun
// under a name, optionally renewed or relabeled as the operation moves
// through its steps, and ended on success. Deferring Close makes the
// abandonment visible: a guard never ended emits its elapsed time under
// status "early_exit".
//
// Not safe for concurrent use; a guard belongs to one request goroutine.
//
// Usage:
//
//	m := metrics.Begin("do_auth_load_auth")
//	defer m.Close()
//	...
//	m.Renew("do_auth_gen_token")
//	...
//	m.End()
type Measurement struct {
	name  string
	start time.Time
	done  bool
}

// Begin starts a guard under the given operation name.
func Begin(name string) *Measurement {
	return &Measurement{name: name, start: time.Now()}
}

// Renew emits the elapsed time under the current name, then restarts the
// clock under newName.
func (m *Measurement) Renew(newName string) {
	m.observe(statusOK)
	m.name = newName
	m.start = time.Now()
}

// Record emits the elapsed time under the current name without resetting
// the clock, then continues under newName.
func (m *Measurement) Record(newName string) {
	m.observe(statusOK)
	m.name = newName
}

// End emits the elapsed time under the current name and disarms the
// guard.
func (m *Measurement) End() {
	if m.done {
		return
	}
	m.observe(statusOK)
	m.done = true
}

// Close emits the elapsed time with status "early_exit" if the guard was
// never ended. Safe to call multiple times and after End.
func (m *Measurement) Close() {
	if m.done {
		return
	}
	m.observeStatus(statusEarlyExit)
	m.done = true
}

func (m *Measurement) observe(status string) {
	if m.done {
		return
	}
	m.observeStatus(status)
}

func (m *Measurement) observeStatus(status string) {
	OperationDuration.WithLabelValues(m.name, status).Observe(time.Since(m.start).Seconds())
}
