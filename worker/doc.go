// Package worker runs a remote worker process for the distributed
// executor.
//
// Run pops envelopes from a Redis pool queue, rebuilds the AuthContext of
// each envelope's session, runs the named handler inside a WorkerContext
// owned by the goroutine that popped it, and publishes the result on the
// job's channel. Workers register themselves in the pool, keep a
// heartbeat, and skip envelopes of cancelled jobs.
//
//	reg := task.NewRegistry()
//	catalog.RegisterHandlers(reg)
//	err := worker.Run(ctx, reg, worker.Options{RedisURL: "redis://localhost:6379"})
package worker
