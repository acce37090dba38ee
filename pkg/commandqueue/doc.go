// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane start in the order they were enqueued.
// - A lane never runs more tasks at once than its concurrency limit.
// - A panicking task fails with an error instead of taking the process down.
// - Queue activity is observable through enqueued/completed events and metrics.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	queue.InitLane("agent", 1)
//	result, err := queue.EnqueueWithContext(ctx, "agent", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
