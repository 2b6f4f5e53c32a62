// Package eventloop runs a [poll.Backend] on a single goroutine, alongside
// posted tasks and timers.
//
// # Execution Model
//
// Each pass of the loop:
//  1. Runs every task posted before the pass began, in FIFO order.
//  2. Runs every expired timer, earliest deadline first.
//  3. Blocks in the backend until readiness, a wake, or the next timer,
//     dispatching ready handlers.
//
// Handlers, tasks and timers never run concurrently with each other. A
// panicking task or handler is recovered and logged, and the loop carries on.
//
// # Thread Safety
//
//   - [Loop.Post], [Loop.AfterFunc], [Token.Cancel], [Loop.Stop] and
//     [Loop.Close] are safe to call from any goroutine.
//   - [Loop.Register], [Loop.Unregister] and [Loop.Update] are loop-affine,
//     once the loop is running. Post a task to call them from elsewhere.
//
// # Usage
//
//	loop, err := eventloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	go loop.Run(ctx)
//
//	_, _ = loop.AfterFunc(100*time.Millisecond, func() {
//	    fmt.Println("Hello after 100ms")
//	    loop.Stop()
//	})
//
//	<-loop.Done()
package eventloop
