// Package task implements reliable asynchronous task processing on top of an
// at-least-once message queue.
//
// A Producer serializes a task name, its attributes and job metadata into a
// queue message. A Pool polls the queue with a single coordinator loop and
// hands each message to a bounded set of workers. Workers keep the message
// invisible while the handler runs, delete it on success, leave it for
// redelivery on failure, and dead-letter it once the receive count reaches
// the attempt limit. Handlers must tolerate duplicate execution.
//
// Usage:
//
//	reg := task.NewRegistry()
//	_ = reg.Register("email.send", task.BoolFunc(sendEmail), task.Policy{Timeout: 30 * time.Second})
//
//	pool := task.NewPool(transport, reg, task.DefaultPoolConfig("jobs"),
//	    task.WithLogger(logger),
//	    task.WithDeadLetterSink(sink))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(context.Background())
package task
