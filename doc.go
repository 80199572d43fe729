// Package ironpool provides a small, self-contained network I/O runtime: an
// event-driven TCP acceptor coupled with a work-stealing thread pool that
// executes user-supplied per-connection callbacks.
//
// # Architecture
//
// The runtime is the integration of three pieces:
//
//   - [RingBuffer] — a bounded, mutex-guarded circular buffer backing each
//     worker's local task queue. Owners dequeue FIFO from the head; thieves
//     steal LIFO from the tail.
//   - [ThreadPool] — a fixed-size set of worker goroutines, each draining its
//     own [RingBuffer], periodically refilling from a shared overflow queue,
//     and stealing from peers when idle. Idle workers park on a condition
//     variable and are woken on submission.
//   - [Poller] — a thin wrapper around epoll that demultiplexes readiness
//     events for a listening socket and its accepted connections into
//     [Connection] lifecycle transitions ([StateOpened], [StateData],
//     [StateClosed]), invoking a callback once per event.
//
// [AsyncListener] binds these three together: it owns the listening socket
// and the poller, starts the pool, and on every poll wake-up submits one task
// per delivered event.
//
// # Scope
//
// This package is deliberately narrow. It does not parse or frame
// application protocols, does not present metrics or logs anywhere but a
// package-level [Logger] hook and an in-process [Metrics] snapshot, and does
// not support TLS or any wire protocol above raw TCP bytes. Those concerns
// belong to callers — see cmd/echoserver for an example collaborator that
// layers a trivial line protocol, structured logging, and metrics printing on
// top of the core.
//
// # Platform support
//
// The poller is implemented using Linux epoll (edge-triggered). Building on
// other platforms is possible but [NewPoller] returns an error at runtime;
// no kqueue or IOCP backend is provided, matching the stated non-goal of
// cross-platform portability beyond an epoll-equivalent facility.
package ironpool
