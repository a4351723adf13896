package connectivity

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/pdfdesk/watch"
)

// Watch loads the routes table and reloads it whenever routes_revision
// moves. It blocks until ctx is cancelled:
//
//	go router.Watch(ctx, db, time.Second)
func (r *Router) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	w := watch.New(db, watch.Options{
		Interval:    interval,
		Detector:    RoutesRevision,
		FireOnStart: true,
		Logger:      r.logger,
	})
	w.Run(ctx, func(ctx context.Context, rev int64) error {
		r.logger.InfoContext(ctx, "connectivity: routes changed, reloading", "revision", rev)
		return r.Reload(ctx, db)
	})
}
