// Package granule streams work over large catalogs of remote data files
// while managing the short-lived storage credentials each file needs.
//
// # Core Concepts
//
//   - Credentials: temporary per-provider storage keys, cached by a
//     credentials.Manager and refreshed before they expire.
//   - AuthContext: an immutable, serializable snapshot of those credentials
//     that can be shipped to any worker.
//   - Worker contexts: per-worker filesystems and sessions built from an
//     AuthContext and never shared.
//   - Executors: serial, thread pool, Redis-backed distributed workers or
//     gRPC functions, all running handlers registered by name.
//   - Streams: a bounded producer/consumer pipeline feeding a source of
//     items through an executor.
//
// # Getting Started
//
//	client, err := granule.New(ctx, nil, granule.WithConfigFile("granule.yaml"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	src := stream.FromSlice(granules)
//	for res, err := range client.Download(ctx, src, "./data") {
//		if err != nil {
//			log.Printf("granule %d: %v", res.Index, err)
//			continue
//		}
//		fmt.Println(res.Value.Paths)
//	}
//
// # Custom Handlers
//
// Any handler registered on the client's registry can be streamed. Inputs
// and outputs must be plain data when the executor is distributed or
// serverless, and handlers must close everything they open before
// returning:
//
//	task.Register(client.Registry(), "granule.size", func(ctx context.Context, wc *workerctx.Context, g catalog.Granule) (int64, error) {
//		...
//	})
//	s := granule.Stream[catalog.Granule, int64](ctx, client, src, "granule.size")
//
// Remote executors need the same handlers registered in cmd/granule-worker
// or cmd/granule-function.
package granule
