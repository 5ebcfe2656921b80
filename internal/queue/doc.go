// Package queue provides an unbounded FIFO used to hand work between
// goroutines without ever blocking the producer.
//
// Producers that hold a lock (the connection manager publishing state
// changes, the router offering journal entries) push into a Queue and a
// single consumer goroutine drains it in order.
package queue
