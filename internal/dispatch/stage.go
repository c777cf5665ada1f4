package dispatch

import "fmt"

// Stage is a step of an invocation run.
type Stage int32

const (
	StageReceived Stage = iota
	StageMiddleware
	StageStopped
	StageValidating
	StageRejected
	StageExecuting
	StageAfterware
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageMiddleware:
		return "middleware"
	case StageStopped:
		return "stopped"
	case StageValidating:
		return "validating"
	case StageRejected:
		return "rejected"
	case StageExecuting:
		return "executing"
	case StageAfterware:
		return "afterware"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int32(s))
	}
}
