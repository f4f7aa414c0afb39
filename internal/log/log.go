// Package log provides leveled logging for go2teleop.
// It wraps logrus behind a small interface so the rest of the
// codebase stays decoupled from the logging backend.
package log

// Logger is the logging contract the rest of the module depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// WithField returns a derived logger that appends key=value
	// to every line. Used to tag per-session and per-component logs.
	WithField(key string, value interface{}) Logger
}

// Nop is a Logger that discards everything. Useful in tests.
type Nop struct{}

func (Nop) Debugf(string, ...interface{})        {}
func (Nop) Infof(string, ...interface{})         {}
func (Nop) Warnf(string, ...interface{})         {}
func (Nop) Errorf(string, ...interface{})        {}
func (Nop) Fatalf(string, ...interface{})        {}
func (Nop) WithField(string, interface{}) Logger { return Nop{} }
