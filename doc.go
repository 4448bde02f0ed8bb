// Package hio is a single-threaded, event-driven asynchronous I/O runtime.
//
// It provides a device model (device.go) driven by a cooperative event loop
// (dispatch.go) over a pluggable OS multiplexer (mux.go and its per-platform
// backends). A Host owns exactly one loop; nothing in this package is safe
// for concurrent use from more than one goroutine, with two narrow
// exceptions: Host.Stop and the multiplexer's wake/interrupt path may be
// called from another goroutine or a signal handler, because they only
// write a byte to a self-pipe that the loop drains on its own
// goroutine.
//
// Devices, timers, the write queue and the completed-write queue are all
// owned by the Host and mutated only from inside Exec/Loop or from
// callbacks invoked by them. There is no locking around any of it.
package hio
