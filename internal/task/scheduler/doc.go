// Package scheduler is the self-rescheduling tick loop.
//
// Each Tick:
//   - observes the actual slot and reports invalid or drifted invocations
//   - dispatches the tasks due at the actual slot, each isolated from the others
//   - re-arms the next tick through the Invoker on every exit path
//
// The loop has no terminal state. It stops only when the host stops the
// timer that calls it.
package scheduler
