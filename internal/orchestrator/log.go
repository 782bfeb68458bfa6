package orchestrator

import "log"

// logWarn reports a swallowed cleanup failure (spec.md §7's
// cleanup-failure policy: "logged as a warning and swallowed; the caller
// never sees it"), matching the teacher's log.Printf-on-failure convention
// in internal/sandbox/manager.go's Stop.
func logWarn(format string, args ...any) {
	log.Printf(format, args...)
}
