// Package commandqueue serializes work per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A task enqueued with a RequestID already seen in that lane is not run
//   again; the caller gets the earlier result.
// - Idle lanes are dropped, so per-conversation lanes don't accumulate.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, commandqueue.ThreadLane("t-1"),
//		func(ctx context.Context) (interface{}, error) {
//			return "ok", nil
//		}, &commandqueue.TaskOptions{RequestID: "req-1"})
package commandqueue
