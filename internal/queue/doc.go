// Package queue provides the durable operation queue and the retry
// scheduler that drains it against the remote service.
//
// Every local write that must reach the remote service becomes an
// Operation: a persisted write intent (create, update, or delete) with its
// own retry state. The queue is an append-only log persisted through the
// local store, with an in-memory index kept strictly behind the durable
// copy: a mutation that cannot be persisted is rolled back in memory, so a
// restart never reveals state the queue had only pretended to have.
//
// The scheduler drains pending operations in FIFO enqueue order, one at a
// time. A backoff wait is a suspension point: nothing else in the queue
// advances while it runs. That caps throughput, which is acceptable at
// single-user write volume, and it is what preserves per-queue ordering.
//
// Failure handling follows the error taxonomy in package remote: transient
// failures increment the retry count and wait out the backoff schedule
// (1s, 2s, 4s, 8s, 16s); semantic rejections fail the operation
// immediately, since retrying an invalid payload cannot succeed. An
// operation that exhausts its five attempts moves to failed and stays
// there until the user retries or clears it.
package queue
