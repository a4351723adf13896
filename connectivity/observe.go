package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/pdfdesk/kit"
	"github.com/hazyhaar/pdfdesk/observability"
)

// Instrument measures every call of rt as seen by its caller, retries
// included. Each call is logged (debug on success) with the request logger
// when ctx carries one, and recorded as a duration sample
// plus an error count on failure. mm may be nil.
func Instrument(rt Route, logger *slog.Logger, mm *observability.MetricsManager) HandlerMiddleware {
	labels := map[string]string{"service": rt.Service, "strategy": rt.Strategy}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			elapsed := time.Since(start)

			log := logger
			if _, ok := ctx.Value(kit.LoggerKey).(*slog.Logger); ok {
				log = kit.Logger(ctx)
			}
			attrs := []any{"service", rt.Service, "strategy", rt.Strategy,
				"elapsed_ms", elapsed.Milliseconds(), "in_bytes", len(payload)}
			if err != nil {
				log.WarnContext(ctx, "connectivity: call failed", append(attrs, "error", err)...)
			} else {
				log.DebugContext(ctx, "connectivity: call", append(attrs, "out_bytes", len(resp))...)
			}

			mm.Duration(observability.MetricCallDurationMs, elapsed, labels)
			if err != nil {
				mm.Count(observability.MetricCallError, labels)
			}
			return resp, err
		}
	}
}
