package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions written by this service.
const (
	ActionResearchExportCreated = "RESEARCH_EXPORT_CREATED"
)

// AuditLogEntry is one row of the audit_logs table.
type AuditLogEntry struct {
	ID         uuid.UUID              `json:"id"`
	Action     string                 `json:"action"`
	ActorID    string                 `json:"actor_id"`
	EntityType string                 `json:"entity_type"`
	EntityID   *uuid.UUID             `json:"entity_id,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditLogger writes audit log entries. It is given its own pool, connected
// with the privileged audit role, so an entry lands even when the
// application role cannot write to other tables.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record inserts entry into audit_logs. ID and CreatedAt are filled in when
// zero.
func (a *AuditLogger) Record(ctx context.Context, entry *AuditLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Action == "" {
		return fmt.Errorf("hipaa audit: action is required")
	}

	const query = `
		INSERT INTO audit_logs (
			id, action, actor_id, entity_type, entity_id,
			ip_address, user_agent, request_id, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,NULLIF($6,'')::inet,$7,$8,$9,$10)`

	_, err := a.pool.Exec(ctx, query,
		entry.ID, entry.Action, entry.ActorID, entry.EntityType, entry.EntityID,
		entry.IPAddress, entry.UserAgent, entry.RequestID, entry.Metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert %s: %w", entry.Action, err)
	}
	return nil
}

// NewResearchExportEntry builds the audit entry for a completed research
// export. The manifest id is pre-assigned so this entry and the manifest row
// can be written independently.
func NewResearchExportEntry(actorID string, manifestID uuid.UUID, metadata map[string]interface{}) *AuditLogEntry {
	id := manifestID
	return &AuditLogEntry{
		ID:         uuid.New(),
		Action:     ActionResearchExportCreated,
		ActorID:    actorID,
		EntityType: "research_export_manifest",
		EntityID:   &id,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
}

// RequestInfo is the HTTP request context copied onto audit entries.
type RequestInfo struct {
	IPAddress string
	UserAgent string
	RequestID string
}

type requestInfoKey struct{}

// WithRequestInfo attaches info to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the info stored by WithRequestInfo, or the
// zero value.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// Apply copies info onto entry.
func (info RequestInfo) Apply(entry *AuditLogEntry) {
	entry.IPAddress = info.IPAddress
	entry.UserAgent = info.UserAgent
	entry.RequestID = info.RequestID
}
