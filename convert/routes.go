package convert

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/hazyhaar/pdfdesk/connectivity"
)

// RouteSettings describes the conversion service for SeedRoutes.
type RouteSettings struct {
	BaseURL          string
	TimeoutMs        int64
	MaxRetries       int
	BackoffMs        int64
	BreakerThreshold int
	BreakerResetMs   int64
	Headers          map[string]string
}

// SeedRoutes writes one http route per kind plus the health route. An
// empty BaseURL removes them, which leaves conversions unavailable.
func SeedRoutes(ctx context.Context, db *sql.DB, s RouteSettings) error {
	services := append([]string{HealthService}, kindServices()...)
	if s.BaseURL == "" {
		for _, svc := range services {
			if err := connectivity.DeleteRoute(ctx, db, svc); err != nil {
				return err
			}
		}
		return nil
	}
	if _, err := url.Parse(s.BaseURL); err != nil {
		return fmt.Errorf("convert: base url: %w", err)
	}
	base := strings.TrimRight(s.BaseURL, "/")

	retries := s.MaxRetries
	for _, k := range Kinds() {
		cfg := connectivity.RouteConfig{
			TimeoutMs:        s.TimeoutMs,
			MaxRetries:       &retries,
			BackoffMs:        s.BackoffMs,
			BreakerThreshold: s.BreakerThreshold,
			BreakerResetMs:   s.BreakerResetMs,
			Headers:          s.Headers,
		}
		if err := upsert(ctx, db, k.Service(), base+k.Path(), cfg); err != nil {
			return err
		}
	}

	none := 0
	health := connectivity.RouteConfig{
		TimeoutMs:  5000,
		MaxRetries: &none,
		Method:     "GET",
		Headers:    s.Headers,
	}
	return upsert(ctx, db, HealthService, base+"/health", health)
}

func upsert(ctx context.Context, db *sql.DB, service, endpoint string, cfg connectivity.RouteConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return connectivity.UpsertRoute(ctx, db, connectivity.Route{
		Service:  service,
		Strategy: "http",
		Endpoint: endpoint,
		Config:   raw,
	})
}

func kindServices() []string {
	out := make([]string, 0, len(Kinds()))
	for _, k := range Kinds() {
		out = append(out, k.Service())
	}
	return out
}
