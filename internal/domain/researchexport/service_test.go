package researchexport

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ppc/ppc/internal/platform/auth"
	"github.com/ppc/ppc/internal/platform/hipaa"
)

// ── Fakes ──

type fakeAuthorizer struct {
	users map[string][]string
}

// Authorize treats the bearer token as the user id.
func (f *fakeAuthorizer) Authorize(_ context.Context, header string) (*auth.Identity, error) {
	token, err := auth.BearerToken(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	roles, ok := f.users[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	id := &auth.Identity{UserID: token, Roles: roles}
	if !id.HasAnyRole(auth.ExportRoles...) {
		return id, fmt.Errorf("%w: no export role", auth.ErrForbidden)
	}
	return id, nil
}

type fetchCall struct {
	schema     Schema
	start, end time.Time
}

type fakeSource struct {
	rows  map[DatasetType][]SourceRow
	err   error
	calls []fetchCall
}

func (f *fakeSource) FetchRows(_ context.Context, schema Schema, start, end time.Time) ([]SourceRow, error) {
	f.calls = append(f.calls, fetchCall{schema: schema, start: start, end: end})
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[schema.Dataset], nil
}

type fakeManifestStore struct {
	mu        sync.Mutex
	manifests []*ExportManifest
	err       error
	listErr   error
}

func (f *fakeManifestStore) CreateManifest(_ context.Context, m *ExportManifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.manifests = append(f.manifests, m)
	return nil
}

func (f *fakeManifestStore) ListManifests(_ context.Context, limit, offset int) ([]*ExportManifest, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	if offset >= len(f.manifests) {
		return nil, len(f.manifests), nil
	}
	end := offset + limit
	if end > len(f.manifests) {
		end = len(f.manifests)
	}
	return f.manifests[offset:end], len(f.manifests), nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*hipaa.AuditLogEntry
	err     error
}

func (f *fakeAudit) Record(_ context.Context, e *hipaa.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

type testEnv struct {
	svc       *Service
	source    *fakeSource
	manifests *fakeManifestStore
	audit     *fakeAudit
	reader    *sdkmetric.ManualReader
	pseudo    *Pseudonymizer
	logs      *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pseudo := mustPseudonymizer(t, "test-salt-epoch-1")
	reader := sdkmetric.NewManualReader()
	metrics, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	env := &testEnv{
		source:    &fakeSource{rows: map[DatasetType][]SourceRow{}},
		manifests: &fakeManifestStore{},
		audit:     &fakeAudit{},
		reader:    reader,
		pseudo:    pseudo,
		logs:      &bytes.Buffer{},
	}
	gate := &fakeAuthorizer{users: map[string][]string{
		"admin-1":     {"admin"},
		"owner-1":     {"owner"},
		"clinician-1": {"clinician"},
	}}
	env.svc = NewService(gate, env.source, env.manifests, env.audit, pseudo, metrics, zerolog.New(env.logs))
	env.svc.now = func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }
	return env
}

func outcomeRows() []SourceRow {
	return []SourceRow{
		{"care_target_uuid": "abc-123", "instrument_type": "NDI", "baseline_score": "40", "discharge_score": "10", "score_delta": "30", "mcid_met": "true"},
		{"care_target_uuid": "xyz-789", "instrument_type": "ODI", "baseline_score": "35", "discharge_score": "30", "score_delta": "5", "mcid_met": "false"},
	}
}

func outcomesBody() ExportRequestBody {
	return ExportRequestBody{
		ExportPurpose:  "research",
		DatasetType:    "outcomes",
		DateRangeStart: "2024-01-01",
		DateRangeEnd:   "2024-12-31",
	}
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs map[string]string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
		points:
			for _, dp := range sum.DataPoints {
				for k, want := range attrs {
					v, _ := dp.Attributes.Value(attribute.Key(k))
					if v.AsString() != want {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// ── Pipeline ──

func TestCreateExport_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.source.rows[DatasetOutcomes] = outcomeRows()

	res, err := env.svc.CreateExport(context.Background(), "Bearer admin-1", outcomesBody())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(res.CSV)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines", len(records))
	}
	wantHeader := []string{"care_target_pid", "instrument_type", "baseline_score", "discharge_score", "score_delta", "mcid_met"}
	if !reflect.DeepEqual(records[0], wantHeader) {
		t.Errorf("expected header %v, got %v", wantHeader, records[0])
	}

	tokA := env.pseudo.Token("CAR", "abc-123")
	tokB := env.pseudo.Token("CAR", "xyz-789")
	if len(tokA) != 20 || len(tokB) != 20 {
		t.Fatalf("expected 20-character tokens, got %q and %q", tokA, tokB)
	}
	if !reflect.DeepEqual(records[1], []string{tokA, "NDI", "40", "10", "30", "true"}) {
		t.Errorf("unexpected first row %v", records[1])
	}
	if !reflect.DeepEqual(records[2], []string{tokB, "ODI", "35", "30", "5", "false"}) {
		t.Errorf("unexpected second row %v", records[2])
	}
	if bytes.Contains(res.CSV, []byte("abc-123")) || bytes.Contains(res.CSV, []byte("xyz-789")) {
		t.Error("raw identifiers leaked into the csv")
	}

	if len(env.manifests.manifests) != 1 {
		t.Fatalf("expected exactly one manifest, got %d", len(env.manifests.manifests))
	}
	m := env.manifests.manifests[0]
	if m.RowCount != 2 || res.RowCount != 2 {
		t.Errorf("expected row_count 2, got manifest %d result %d", m.RowCount, res.RowCount)
	}
	if m.CreatedBy != "admin-1" || m.DatasetType != DatasetOutcomes || m.ExportPurpose != PurposeResearch {
		t.Errorf("unexpected manifest %+v", m)
	}
	if m.HashVersion != HashVersion || m.SchemaVersion != SchemaVersion {
		t.Errorf("unexpected versions %s/%s", m.HashVersion, m.SchemaVersion)
	}
	if res.Manifest.ID != m.ID {
		t.Error("result must carry the written manifest id")
	}
	if res.Filename != "ppc_research_outcomes_research_2025-03-14.csv" {
		t.Errorf("unexpected filename %s", res.Filename)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", res.Warnings)
	}

	if len(env.audit.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(env.audit.entries))
	}
	a := env.audit.entries[0]
	if a.Action != hipaa.ActionResearchExportCreated || a.ActorID != "admin-1" {
		t.Errorf("unexpected audit entry %+v", a)
	}
	if a.EntityID == nil || *a.EntityID != m.ID {
		t.Error("audit entry must reference the manifest id")
	}
	if a.Metadata["row_count"] != 2 {
		t.Errorf("expected row_count in audit metadata, got %v", a.Metadata)
	}

	if got := counterValue(t, env.reader, "research_export.exports", map[string]string{"outcome": "success"}); got != 1 {
		t.Errorf("expected 1 successful export counted, got %d", got)
	}
}

func TestCreateExport_PassesDateRangeToSource(t *testing.T) {
	env := newTestEnv(t)
	env.source.rows[DatasetOutcomes] = outcomeRows()

	if _, err := env.svc.CreateExport(context.Background(), "Bearer owner-1", outcomesBody()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.source.calls) != 1 {
		t.Fatalf("expected one fetch, got %d", len(env.source.calls))
	}
	call := env.source.calls[0]
	if call.schema.View != "research_outcomes_v" || call.schema.DateField != "discharge_month" {
		t.Errorf("unexpected schema %s/%s", call.schema.View, call.schema.DateField)
	}
	if call.start.Format(DateLayout) != "2024-01-01" || call.end.Format(DateLayout) != "2024-12-31" {
		t.Errorf("unexpected range %s..%s", call.start, call.end)
	}
}

func TestCreateExport_ClinicianForbiddenBeforeRead(t *testing.T) {
	env := newTestEnv(t)
	env.source.rows[DatasetOutcomes] = outcomeRows()

	_, err := env.svc.CreateExport(context.Background(), "Bearer clinician-1", outcomesBody())
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if KindOf(err).HTTPStatus() != 403 {
		t.Errorf("expected 403, got %d", KindOf(err).HTTPStatus())
	}
	if len(env.source.calls) != 0 {
		t.Errorf("dataset must not be read for a forbidden caller, got %d reads", len(env.source.calls))
	}
	if len(env.manifests.manifests) != 0 || len(env.audit.entries) != 0 {
		t.Error("nothing may be recorded for a forbidden caller")
	}
}

func TestCreateExport_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	for _, header := range []string{"", "Basic abc", "Bearer unknown"} {
		_, err := env.svc.CreateExport(context.Background(), header, outcomesBody())
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("header %q: expected unauthorized, got %v", header, err)
		}
	}
	if len(env.source.calls) != 0 {
		t.Error("dataset must not be read for an unauthenticated caller")
	}
}

func TestCreateExport_AuthorizationBeforeValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateExport(context.Background(), "Bearer clinician-1", ExportRequestBody{})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for an invalid body from a clinician, got %v", err)
	}
}

func TestCreateExport_InvalidArgumentNoRead(t *testing.T) {
	env := newTestEnv(t)
	body := outcomesBody()
	body.DatasetType = "leads"

	_, err := env.svc.CreateExport(context.Background(), "Bearer admin-1", body)
	var ee *ExportError
	if !errors.As(err, &ee) || ee.Kind != KindInvalidArgument || ee.Field != "dataset_type" {
		t.Fatalf("expected invalid dataset_type, got %v", err)
	}
	if len(env.source.calls) != 0 {
		t.Error("dataset must not be read for an invalid request")
	}
}

func TestCreateExport_EmptyResultIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateExport(context.Background(), "Bearer admin-1", outcomesBody())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(env.manifests.manifests) != 0 {
		t.Errorf("expected zero manifests, got %d", len(env.manifests.manifests))
	}
	if len(env.audit.entries) != 0 {
		t.Errorf("expected zero audit entries, got %d", len(env.audit.entries))
	}
	if got := counterValue(t, env.reader, "research_export.exports", map[string]string{"outcome": "not_found"}); got != 1 {
		t.Errorf("expected not_found outcome counted, got %d", got)
	}
}

func TestCreateExport_SourceFailureIsUpstream(t *testing.T) {
	env := newTestEnv(t)
	env.source.err = errors.New(`pq: relation "research_outcomes_v" does not exist`)

	_, err := env.svc.CreateExport(context.Background(), "Bearer admin-1", outcomesBody())
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if len(env.manifests.manifests) != 0 {
		t.Error("no manifest may be written when the read failed")
	}
}

func TestCreateExport_MissingSaltFailsBeforeRead(t *testing.T) {
	env := newTestEnv(t)
	env.source.rows[DatasetOutcomes] = outcomeRows()
	env.svc.pseudo = nil

	_, err := env.svc.CreateExport(context.Background(), "Bearer admin-1", outcomesBody())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(env.source.calls) != 0 {
		t.Error("dataset must not be read without a salt")
	}
}

func TestCreateExport_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	env.source.rows[DatasetOutcomes] = outcomeRows()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.svc.CreateExport(ctx, "Bearer admin-1", outcomesBody()); err == nil {
		t.Fatal("expected error for a cancelled request")
	}
	if len(env.source.calls) != 0 {
		t.Error("cancelled request must not read the dataset")
	}
}

func TestCreateExport_ManifestFailureKeepsCSV(t *testing.T) {
	env := newTestEnv(t)
	env.source.rows[DatasetOutcomes] = outcomeRows()
	env.manifests.err = errors.New("connection reset")

	res, err := env.svc.CreateExport(context.Background(), "Bearer admin-1", outcomesBody())
	if err != nil {
		t.Fatalf("manifest failure must not fail the export: %v", err)
	}
	if res.RowCount != 2 || len(res.CSV) == 0 {
		t.Fatal("expected csv to be returned")
	}
	if !reflect.DeepEqual(res.Warnings, []string{WarningManifestWrite}) {
		t.Errorf("expected manifest warning, got %v", res.Warnings)
	}
	if len(env.audit.entries) != 1 {
		t.Errorf("audit entry must still be written, got %d", len(env.audit.entries))
	}
	if got := counterValue(t, env.reader, "research_export.manifest_write_failures", nil); got != 1 {
		t.Errorf("expected manifest failure counted once, got %d", got)
	}
	if !strings.Contains(env.logs.String(), "manifest write failed") {
		t.Error("expected manifest failure to be logged")
	}
}

func TestCreateExport_AuditFailureKeepsCSV(t *testing.T) {
	env := newTestEnv(t)
	env.source.rows[DatasetOutcomes] = outcomeRows()
	env.audit.err = errors.New("permission denied")

	res, err := env.svc.CreateExport(context.Background(), "Bearer admin-1", outcomesBody())
	if err != nil {
		t.Fatalf("audit failure must not fail the export: %v", err)
	}
	if !reflect.DeepEqual(res.Warnings, []string{WarningAuditWrite}) {
		t.Errorf("expected audit warning, got %v", res.Warnings)
	}
	if len(env.manifests.manifests) != 1 {
		t.Errorf("manifest must still be written, got %d", len(env.manifests.manifests))
	}
	if got := counterValue(t, env.reader, "research_export.audit_write_failures", nil); got != 1 {
		t.Errorf("expected audit failure counted once, got %d", got)
	}
}

func TestCreateExport_BothWritesFail(t *testing.T) {
	env := newTestEnv(t)
	env.source.rows[DatasetOutcomes] = outcomeRows()
	env.manifests.err = errors.New("down")
	env.audit.err = errors.New("down")

	res, err := env.svc.CreateExport(context.Background(), "Bearer admin-1", outcomesBody())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Errorf("expected two warnings, got %v", res.Warnings)
	}
}

func TestCreateExport_OutputPassesAudit(t *testing.T) {
	env := newTestEnv(t)
	env.source.rows[DatasetCareTargets] = []SourceRow{
		{"care_target_uuid": uuid.NewString(), "patient_uuid": uuid.NewString(), "body_region": "lumbar", "target_type": "pain", "status": "active", "created_month": "2024-02-01"},
		{"care_target_uuid": uuid.NewString(), "body_region": "cervical", "target_type": "function", "status": "met", "created_month": "2024-03-01"},
	}
	body := outcomesBody()
	body.DatasetType = "care_targets"
	body.ExportPurpose = "registry"

	res, err := env.svc.CreateExport(context.Background(), "Bearer owner-1", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rep, err := AuditCSV(bytes.NewReader(res.CSV), DatasetCareTargets)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !rep.Passed() {
		var buf bytes.Buffer
		rep.Print(&buf)
		t.Fatalf("exported csv failed audit:\n%s", buf.String())
	}
}

func TestListManifests(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.manifests.manifests = append(env.manifests.manifests, &ExportManifest{ID: uuid.New(), RowCount: i})
	}

	items, total, err := env.svc.ListManifests(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(items), total)
	}

	env.manifests.listErr = errors.New("boom")
	if _, _, err := env.svc.ListManifests(context.Background(), 2, 0); !errors.Is(err, ErrUpstream) {
		t.Errorf("expected upstream error, got %v", err)
	}
}

var errTest = errors.New("pg: connection refused on 10.0.0.5:5432")
