// Package metrics reports traces, custom metrics and events to New Relic.
// Every function is a no-op when the context carries no application or
// transaction.
package metrics

import (
	"context"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
)

type appContextKey struct{}

// NewContext returns a context carrying app, which RecordCount,
// RecordDuration and RecordEvent report to.
func NewContext(ctx context.Context, app *newrelic.Application) context.Context {
	return context.WithValue(ctx, appContextKey{}, app)
}

func fromContext(ctx context.Context) *newrelic.Application {
	app, _ := ctx.Value(appContextKey{}).(*newrelic.Application)
	return app
}

func RecordCount(ctx context.Context, metricName string, count uint64) {
	if app := fromContext(ctx); app != nil {
		app.RecordCustomMetric(metricName, float64(count))
	}
}

// RecordDuration reports duration in milliseconds.
func RecordDuration(ctx context.Context, metricName string, duration time.Duration) {
	if app := fromContext(ctx); app != nil {
		app.RecordCustomMetric(metricName, float64(duration.Milliseconds()))
	}
}

func RecordEvent(ctx context.Context, eventName string, attributes map[string]interface{}) {
	if app := fromContext(ctx); app != nil {
		app.RecordCustomEvent(eventName, attributes)
	}
}
