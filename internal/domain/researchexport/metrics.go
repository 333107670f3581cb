package researchexport

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts exports and failed bookkeeping writes, so drift between
// CSVs issued and manifests recorded is visible without reading logs.
type Metrics struct {
	exports          metric.Int64Counter
	manifestFailures metric.Int64Counter
	auditFailures    metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("github.com/ppc/ppc/internal/domain/researchexport")

	exports, err := meter.Int64Counter("research_export.exports",
		metric.WithDescription("Research export requests by outcome."))
	if err != nil {
		return nil, fmt.Errorf("create exports counter: %w", err)
	}
	manifestFailures, err := meter.Int64Counter("research_export.manifest_write_failures",
		metric.WithDescription("Exports whose CSV was delivered without a manifest row."))
	if err != nil {
		return nil, fmt.Errorf("create manifest failure counter: %w", err)
	}
	auditFailures, err := meter.Int64Counter("research_export.audit_write_failures",
		metric.WithDescription("Exports whose CSV was delivered without an audit log entry."))
	if err != nil {
		return nil, fmt.Errorf("create audit failure counter: %w", err)
	}
	return &Metrics{
		exports:          exports,
		manifestFailures: manifestFailures,
		auditFailures:    auditFailures,
	}, nil
}

func (m *Metrics) export(ctx context.Context, dataset DatasetType, outcome string) {
	if m == nil {
		return
	}
	m.exports.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dataset_type", datasetLabel(dataset)),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) manifestFailure(ctx context.Context, dataset DatasetType) {
	if m == nil {
		return
	}
	m.manifestFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("dataset_type", string(dataset))))
}

func (m *Metrics) auditFailure(ctx context.Context, dataset DatasetType) {
	if m == nil {
		return
	}
	m.auditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("dataset_type", string(dataset))))
}

// datasetLabel keeps caller-supplied strings out of metric attributes.
// Requests refused before the body is read have no dataset yet.
func datasetLabel(d DatasetType) string {
	switch {
	case d.Valid():
		return string(d)
	case d == "":
		return "unknown"
	}
	return "invalid"
}
