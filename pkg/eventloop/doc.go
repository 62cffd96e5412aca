// Package eventloop provides the worker pool that owns connection state.
//
// A Group holds a fixed number of Loops. Each Loop is one goroutine draining
// an unbounded FIFO of tasks; a connection and every stream on it are pinned
// to one Loop for their whole life, so their state is only touched from that
// goroutine. Blocking I/O never runs on a Loop: reader and writer goroutines
// hand work over with Execute.
package eventloop
