// Package gooruntime is the Goo concurrency runtime: a fixed worker Task Pool
// that the other packages build on.
//
// # Quick Start
//
// Create a pool explicitly and pass it where it is needed:
//
//	pool := gooruntime.NewTaskPool("app", 4)
//	pool.Start(ctx)
//	defer pool.Shutdown()
//
//	h, err := pool.Submit(func(ctx context.Context) error {
//		return doWork(ctx)
//	})
//
// A process-wide pool is available, but only after InitGlobalTaskPool:
//
//	gooruntime.InitGlobalTaskPool(4)
//	defer gooruntime.ShutdownGlobalTaskPool()
//	pool, err := gooruntime.GlobalTaskPool()
//
// # Packages
//
// channel: bounded message channels with Normal, Pub/Sub, Push/Pull, Req/Rep
// and Broadcast patterns, plus an optional network endpoint (package transport).
//
// supervisor: restarts failed children under One-For-One, One-For-All or
// Rest-For-One within a restart budget.
//
// workdist: static, dynamic, guided and work-stealing index distribution
// with ParallelFor and ParallelReduce.
//
// # Faults
//
// Tasks return an error; a panic is recovered at the worker and reported as a
// *core.PanicError. A failed task submitted WithOwner is handed to its owner
// (a supervisor), otherwise to the pool's ErrorSink. Workers always survive.
package gooruntime
