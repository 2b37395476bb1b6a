// Package queue implements the in-memory task scheduler that decides when a
// unit of work may run.
//
// Tasks carry a priority, an optional earliest start time and a list of task
// IDs they depend on. Each time a concurrency slot frees up, the queue picks
// the ready task (due, with every dependency completed) of highest priority,
// breaking ties by submission order, and hands it to the Executor on its own
// goroutine. Failed attempts are retried with exponential backoff until the
// task's attempt budget is spent.
//
// Basic usage:
//
//	q, err := queue.New(executor, queue.Options{MaxConcurrent: 3})
//	if err != nil {
//	    return err
//	}
//	defer q.Close(ctx)
//
//	events, unsubscribe := q.Subscribe()
//	defer unsubscribe()
//
//	id, err := q.Submit(step, 5)
//
// State lives only in memory and is lost on restart.
package queue
