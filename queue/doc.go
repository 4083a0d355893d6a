// Package queue provides the Redis primitives behind the distributed
// executor and the remote worker.
//
// The submitting process stores the AuthContext of its session once with
// StoreSession, pushes one Envelope per task that references the session by
// id, and collects Results from the job's pub/sub channel. Workers pop
// envelopes, load the session, rebuild their own worker context from it and
// publish results back. Credentials therefore cross the process boundary
// once per session rather than once per task, and live resources never
// cross it at all.
//
// # Redis Key Schema
//
//   - granule:pool:<pool>:queue - List of envelopes (LPUSH/BRPOP)
//   - granule:pool:<pool>:workers - Counter of worker goroutines
//   - granule:pool:<pool>:members - Set of registered worker ids
//   - granule:worker:<id>:meta - Hash of worker metadata
//   - granule:worker:<id>:health - String with 30s TTL for heartbeat
//   - granule:session:<id> - AuthContext primitive (JSON) with TTL
//   - granule:job:<id>:cancelled - Best-effort cancellation flag
//   - granule:results:<jobID> - Pub/Sub channel for job results
//
// # Usage
//
//	client, err := queue.NewRedisClient(queue.RedisOptions{
//		URL: "redis://localhost:6379",
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	results, err := client.Subscribe(ctx, queue.ResultChannel(jobID))
//	...
//	err = client.StoreSession(ctx, sessionID, auth.ToPrimitive(), time.Hour)
//	err = client.Push(ctx, queue.QueueKey("default"), queue.Envelope{...})
//
// # Cancellation
//
// Cancellation is best-effort. CancelJob sets a flag that workers check
// before starting an envelope; envelopes already being processed run to
// completion and their results are published regardless.
package queue
