package researchexport

import (
	"context"
	"time"

	"github.com/ppc/ppc/internal/platform/hipaa"
)

// DatasetSource reads rows from a research view. Implementations select only
// the schema's declared columns and apply the inclusive date range to the
// schema's date field.
type DatasetSource interface {
	FetchRows(ctx context.Context, schema Schema, start, end time.Time) ([]SourceRow, error)
}

// ManifestStore is the append-only manifest table.
type ManifestStore interface {
	CreateManifest(ctx context.Context, m *ExportManifest) error
	ListManifests(ctx context.Context, limit, offset int) ([]*ExportManifest, int, error)
}

// AuditRecorder writes audit log entries over the privileged path.
type AuditRecorder interface {
	Record(ctx context.Context, entry *hipaa.AuditLogEntry) error
}
