// Package timer implements the reactor's timer submodule: an indexed
// binary min-heap keyed by absolute monotonic deadline, plus a
// once-per-loop-iteration scheduler that runs expired callbacks and
// defers re-arms to the following tick.
//
// Grounded on the teacher's timedHeap in gaio's watcher.go
// (container/heap, a stable index field for O(log n) remove by id).
package timer
