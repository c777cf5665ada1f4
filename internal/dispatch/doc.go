// Package dispatch runs one inbound command invocation through its pipeline.
//
// Stages of a run:
//
//	RECEIVED → MIDDLEWARE → (STOPPED | VALIDATING) → (REJECTED | EXECUTING) → AFTERWARE → DONE
//
// Middleware (global names first, then the command's own) runs as one pool
// task. When auto-defer is enabled a deadline task is scheduled at
// CreatedAt + grace period; whichever of the two finishes first wins:
//   - Middleware first: the deadline is cancelled and nothing provisional is sent.
//   - Deadline first: a provisional acknowledgement goes out through
//     Responder.Defer and the middleware result is later sent as an Update.
//
// A denied gate delivers its terminal response, if any, through the channel
// already open. Validators run in order and the first failure ends the run.
// The handler and the afterware chain are submitted as two independent tasks.
//
// Faults in user code (middleware, validators, handler, afterware) are
// recovered and logged:
//   - Middleware faults are logged and the chain continues.
//   - Handler faults produce no response beyond the log entry.
//   - Each afterware is isolated from the others.
package dispatch
