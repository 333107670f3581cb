package researchexport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ppc/ppc/internal/platform/auth"
	"github.com/ppc/ppc/internal/platform/hipaa"
)

// recordTimeout bounds the manifest and audit writes. They run on a context
// detached from the request so a caller hanging up after the CSV is built
// does not drop the audit trail.
const recordTimeout = 5 * time.Second

// Warnings surfaced when bookkeeping fails after the CSV was rendered.
const (
	WarningManifestWrite = "manifest write failed"
	WarningAuditWrite    = "audit log write failed"
)

type Service struct {
	gate      auth.Authorizer
	source    DatasetSource
	manifests ManifestStore
	audit     AuditRecorder
	pseudo    *Pseudonymizer
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the pipeline. pseudo may be nil when the salt is missing;
// every export then fails with a configuration error before any row is read.
func NewService(
	gate auth.Authorizer,
	source DatasetSource,
	manifests ManifestStore,
	audit AuditRecorder,
	pseudo *Pseudonymizer,
	metrics *Metrics,
	logger zerolog.Logger,
) *Service {
	return &Service{
		gate:      gate,
		source:    source,
		manifests: manifests,
		audit:     audit,
		pseudo:    pseudo,
		metrics:   metrics,
		logger:    logger.With().Str("type", "research_export").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Authorize resolves the caller and requires an admin or owner role.
func (s *Service) Authorize(ctx context.Context, authorization string) (*auth.Identity, error) {
	id, err := s.gate.Authorize(ctx, authorization)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, auth.ErrForbidden):
		return nil, &ExportError{Kind: KindForbidden, Message: "admin or owner role required", Err: err}
	default:
		return nil, &ExportError{Kind: KindUnauthorized, Message: "missing or invalid credential", Err: err}
	}
}

// CreateExport runs the whole pipeline for a bearer credential.
func (s *Service) CreateExport(ctx context.Context, authorization string, body ExportRequestBody) (*ExportResult, error) {
	id, err := s.Authorize(ctx, authorization)
	if err != nil {
		s.metrics.export(ctx, DatasetType(body.DatasetType), KindOf(err).String())
		return nil, err
	}
	return s.Export(ctx, id, body)
}

// Export runs the pipeline for an already authorized caller: validate,
// fetch, pseudonymize, render, then record the manifest and audit entry.
// Each stage starts only after the previous one finished.
func (s *Service) Export(ctx context.Context, id *auth.Identity, body ExportRequestBody) (*ExportResult, error) {
	res, req, err := s.export(ctx, id, body)
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	s.metrics.export(ctx, req.Dataset, outcome)
	return res, err
}

func (s *Service) export(ctx context.Context, id *auth.Identity, body ExportRequestBody) (*ExportResult, ExportRequest, error) {
	if id == nil || id.UserID == "" {
		return nil, ExportRequest{}, &ExportError{Kind: KindUnauthorized, Message: "missing or invalid credential"}
	}

	req, err := ParseExportRequest(body)
	if err != nil {
		return nil, req, err
	}
	req.RequestedBy = id.UserID

	if s.pseudo == nil {
		s.logger.Error().Msg("research export refused: pseudonymization salt is not configured")
		return nil, req, configuration("research export is not configured")
	}

	schema, ok := SchemaFor(req.Dataset)
	if !ok {
		return nil, req, invalidArgument("dataset_type", "dataset_type must be one of care_targets, outcomes, episodes")
	}

	if err := ctx.Err(); err != nil {
		return nil, req, upstream("research export cancelled", err)
	}
	rows, err := s.source.FetchRows(ctx, schema, req.DateRangeStart, req.DateRangeEnd)
	if err != nil {
		s.logger.Error().Err(err).
			Str("user_id", req.RequestedBy).
			Str("dataset_type", string(req.Dataset)).
			Msg("dataset read failed")
		return nil, req, upstream("research export failed", err)
	}
	if len(rows) == 0 {
		s.logger.Info().
			Str("user_id", req.RequestedBy).
			Str("dataset_type", string(req.Dataset)).
			Str("export_purpose", string(req.Purpose)).
			Msg("no rows matched export")
		return nil, req, &ExportError{Kind: KindNotFound, Message: "no rows matched the requested dataset and date range"}
	}

	if err := ctx.Err(); err != nil {
		return nil, req, upstream("research export cancelled", err)
	}
	records, err := s.pseudo.Apply(schema, rows)
	if err != nil {
		return nil, req, err
	}
	csvBody, err := RenderCSV(schema, records)
	if err != nil {
		s.logger.Error().Err(err).Str("dataset_type", string(req.Dataset)).Msg("csv render failed")
		return nil, req, upstream("research export failed", err)
	}

	now := s.now()
	manifest := &ExportManifest{
		ID:             uuid.New(),
		CreatedBy:      req.RequestedBy,
		ExportPurpose:  req.Purpose,
		DatasetType:    req.Dataset,
		DateRangeStart: req.DateRangeStart,
		DateRangeEnd:   req.DateRangeEnd,
		RowCount:       len(records),
		HashVersion:    HashVersion,
		SchemaVersion:  SchemaVersion,
		CreatedAt:      now,
	}

	result := &ExportResult{
		CSV:      csvBody,
		Filename: Filename(req.Dataset, req.Purpose, now),
		Manifest: manifest,
		RowCount: manifest.RowCount,
		Warnings: s.record(ctx, manifest),
	}

	s.logger.Info().
		Str("user_id", req.RequestedBy).
		Str("dataset_type", string(req.Dataset)).
		Str("export_purpose", string(req.Purpose)).
		Int("row_count", manifest.RowCount).
		Str("manifest_id", manifest.ID.String()).
		Strs("warnings", result.Warnings).
		Msg("research export created")

	return result, req, nil
}

// record writes the manifest row and the audit log entry concurrently.
// Failures never fail the export; they are logged, counted and returned as
// warnings.
func (s *Service) record(ctx context.Context, m *ExportManifest) []string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	var manifestErr, auditErr error
	var g errgroup.Group
	g.Go(func() error {
		manifestErr = s.manifests.CreateManifest(ctx, m)
		return nil
	})
	g.Go(func() error {
		entry := hipaa.NewResearchExportEntry(m.CreatedBy, m.ID, map[string]interface{}{
			"export_purpose":   string(m.ExportPurpose),
			"dataset_type":     string(m.DatasetType),
			"date_range_start": m.DateRangeStart.Format(DateLayout),
			"date_range_end":   m.DateRangeEnd.Format(DateLayout),
			"row_count":        m.RowCount,
			"hash_version":     m.HashVersion,
			"schema_version":   m.SchemaVersion,
			"manifest_id":      m.ID.String(),
		})
		hipaa.RequestInfoFromContext(ctx).Apply(entry)
		auditErr = s.audit.Record(ctx, entry)
		return nil
	})
	_ = g.Wait()

	var warnings []string
	if manifestErr != nil {
		s.metrics.manifestFailure(ctx, m.DatasetType)
		s.logger.Error().Err(manifestErr).
			Str("manifest_id", m.ID.String()).
			Str("user_id", m.CreatedBy).
			Msg("manifest write failed; csv delivered without manifest")
		warnings = append(warnings, WarningManifestWrite)
	}
	if auditErr != nil {
		s.metrics.auditFailure(ctx, m.DatasetType)
		s.logger.Error().Err(auditErr).
			Str("manifest_id", m.ID.String()).
			Str("user_id", m.CreatedBy).
			Msg("audit log write failed; csv delivered without audit entry")
		warnings = append(warnings, WarningAuditWrite)
	}
	return warnings
}

// ListManifests returns recent manifests, newest first.
func (s *Service) ListManifests(ctx context.Context, limit, offset int) ([]*ExportManifest, int, error) {
	items, total, err := s.manifests.ListManifests(ctx, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("list manifests failed")
		return nil, 0, upstream("could not list manifests", err)
	}
	return items, total, nil
}
