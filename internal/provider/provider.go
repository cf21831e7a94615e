// Package provider defines the measurement-provider contract and the HTTP
// client for the hosted measurement service. Implementations are pluggable;
// the orchestrator depends only on the Client interface and the typed
// errors in this package.
package provider

import (
	"context"

	"github.com/syatt-io/perfwatch/internal/model"
)

// Status is the state of a measurement as reported by the provider.
type Status string

const (
	// StatusComplete means metrics are available on the result.
	StatusComplete Status = "complete"
	// StatusPending means the provider accepted the request asynchronously
	// and the caller must poll with the measurement ID.
	StatusPending Status = "pending"
)

// Request describes one logical measurement.
type Request struct {
	URL    string
	Device model.DeviceProfile
	// Bypass selects the secondary fetch strategy used when the primary
	// path is blocked by anti-automation defenses.
	Bypass bool
}

// Result is the provider's answer to a measure or poll call.
type Result struct {
	Status        Status
	MeasurementID string
	Metrics       *model.MetricValues
}

// Client is the narrow surface the collection orchestrator consumes.
// Measure either returns a complete result, a pending result to be
// polled, or a typed *Error. Poll resolves a pending measurement.
type Client interface {
	Measure(ctx context.Context, req Request) (*Result, error)
	Poll(ctx context.Context, measurementID string) (*Result, error)
}
