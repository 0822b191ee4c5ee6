// Package kdebug is the debug sink for the memory manager. Every
// component reports through a component-scoped logger, and corruption
// reports follow the boot policy: log and exit the process while the
// kernel is still bringing itself up, log and let the caller return
// failure afterwards.
package kdebug

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	root = logrus.New()

	// bootComplete flips once the manager is fully initialized. Fatal
	// reports before that point exit the process; after it they degrade
	// to errors.
	bootComplete atomic.Bool

	// hangOnCorruption forces the early-boot hang policy even after
	// boot. Off by default.
	hangOnCorruption atomic.Bool
)

func init() {
	root.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	root.SetLevel(logrus.InfoLevel)
}

// Component returns a logger scoped to the named subsystem.
func Component(name string) *logrus.Entry {
	return root.WithField("component", name)
}

// SetLevel adjusts the sink's verbosity.
func SetLevel(level logrus.Level) {
	root.SetLevel(level)
}

// SetOutput redirects the sink, primarily for the simulator and tests.
func SetOutput(l *logrus.Logger) {
	if l != nil {
		root = l
	}
}

// SetBootComplete marks the end of early boot. Corruption stops being
// fatal from this point on unless SetHangOnCorruption overrides it.
func SetBootComplete(done bool) {
	bootComplete.Store(done)
}

// BootComplete reports whether early boot has finished.
func BootComplete() bool {
	return bootComplete.Load()
}

// SetHangOnCorruption selects the strict policy where corruption always
// exits the process, matching the early-boot behavior.
func SetHangOnCorruption(hang bool) {
	hangOnCorruption.Store(hang)
}

// Fatal reports an unrecoverable condition. During early boot, or under
// the strict policy, it never returns; otherwise it logs the condition
// and the caller is expected to surface failure.
func Fatal(entry *logrus.Entry, format string, args ...interface{}) {
	if !bootComplete.Load() || hangOnCorruption.Load() {
		entry.Fatalf(format, args...)
	}
	entry.Errorf(format, args...)
}
