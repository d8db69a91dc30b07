package ingestion

import (
	"context"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
)

// Module provides the ingestion domain: queue, processor, worker, and the
// HTTP surface.
var Module = fx.Module("ingestion",
	fx.Provide(NewJobsService),
	fx.Provide(func(s *JobsService) Store { return s }),
	fx.Provide(func(db *bun.DB) Pinger { return db }),
	fx.Provide(NewProcessor),
	fx.Provide(NewWorker),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(StartWorker),
)

// StartWorker ties the worker to the application lifecycle
func StartWorker(lc fx.Lifecycle, w *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return w.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return w.Stop(ctx)
		},
	})
}
