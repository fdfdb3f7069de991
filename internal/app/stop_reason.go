package app

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown StopReason = "unknown"
	// StopSignal: the run context was canceled (SIGINT/SIGTERM).
	StopSignal StopReason = "signal"
	// StopDisabled: the engine disabled itself after a registry change.
	StopDisabled StopReason = "disabled"
	StopStartFailed StopReason = "start_failed"
)
