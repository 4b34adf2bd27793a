// Package bbq provides a bounded blocking queue of fixed-size values and
// a multiplexer that waits on several such queues at once.
//
// # Queue
//
// A [Queue] is a ring of capacity+1 slots holding opaque values of one
// size. Every blocking operation comes in three forms, mirroring channel
// helpers:
//
//   - Put, Get, Peek block until they can proceed or ctx is done.
//   - PutTimeout, GetTimeout, PeekTimeout take a signed timeout: negative
//     waits forever, zero does not wait.
//   - TryPut, TryGet, TryPeek never block and fail with errs.ErrTimedout.
//
// [Queue.Shutdown] releases every blocked caller with
// errs.ErrNotOperational.
//
// # Muxer
//
// A [Muxer] waits until any of a set of [Poll] objects is ready:
//
//	mux := bbq.NewMuxer()
//	hi, _ := bbq.NewPoll(hiQueue, bbq.Readable)
//	lo, _ := bbq.NewPoll(loQueue, bbq.Readable)
//	n, err := mux.PollTimeout([]*bbq.Poll{hi, lo}, 100*time.Millisecond)
//	if err == nil && hi.Ready() {
//		// drain hi first
//	}
//
// Readiness snapshots are advisory: another consumer may drain a queue
// between the poll and the read, so follow a poll with TryGet.
package bbq
