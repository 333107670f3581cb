package researchexport

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HashVersion identifies the pseudonym derivation recorded on manifests.
const HashVersion = "sha256-trunc16-v1"

// SchemaVersion identifies the dataset column layout recorded on manifests.
const SchemaVersion = "1"

// DateLayout is the wire format of date_range_start and date_range_end.
const DateLayout = "2006-01-02"

type ExportPurpose string

const (
	PurposeRegistry    ExportPurpose = "registry"
	PurposePublication ExportPurpose = "publication"
	PurposeResearch    ExportPurpose = "research"
)

func (p ExportPurpose) Valid() bool {
	switch p {
	case PurposeRegistry, PurposePublication, PurposeResearch:
		return true
	}
	return false
}

type DatasetType string

const (
	DatasetCareTargets DatasetType = "care_targets"
	DatasetOutcomes    DatasetType = "outcomes"
	DatasetEpisodes    DatasetType = "episodes"
)

func (d DatasetType) Valid() bool {
	switch d {
	case DatasetCareTargets, DatasetOutcomes, DatasetEpisodes:
		return true
	}
	return false
}

// ExportRequestBody is the JSON body of an export request.
type ExportRequestBody struct {
	ExportPurpose  string `json:"export_purpose"`
	DatasetType    string `json:"dataset_type"`
	DateRangeStart string `json:"date_range_start"`
	DateRangeEnd   string `json:"date_range_end"`
}

// ExportRequest is a parsed, validated export request. Both date bounds are
// inclusive.
type ExportRequest struct {
	Purpose        ExportPurpose
	Dataset        DatasetType
	DateRangeStart time.Time
	DateRangeEnd   time.Time
	RequestedBy    string
}

// ParseExportRequest turns a request body into an ExportRequest. Fields are
// checked in body order and the first failure is returned as an
// InvalidArgument naming that field.
func ParseExportRequest(b ExportRequestBody) (ExportRequest, error) {
	req := ExportRequest{
		Purpose: ExportPurpose(strings.TrimSpace(b.ExportPurpose)),
		Dataset: DatasetType(strings.TrimSpace(b.DatasetType)),
	}
	if req.Purpose == "" {
		return req, invalidArgument("export_purpose", "export_purpose is required")
	}
	if !req.Purpose.Valid() {
		return req, invalidArgument("export_purpose", "export_purpose must be one of registry, publication, research")
	}
	if req.Dataset == "" {
		return req, invalidArgument("dataset_type", "dataset_type is required")
	}
	if !req.Dataset.Valid() {
		return req, invalidArgument("dataset_type", "dataset_type must be one of care_targets, outcomes, episodes")
	}

	var err error
	if req.DateRangeStart, err = parseDate("date_range_start", b.DateRangeStart); err != nil {
		return req, err
	}
	if req.DateRangeEnd, err = parseDate("date_range_end", b.DateRangeEnd); err != nil {
		return req, err
	}
	return req, req.Validate()
}

func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, invalidArgument(field, field+" is required")
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, invalidArgument(field, field+" must be a date in YYYY-MM-DD format")
	}
	return t, nil
}

// Validate checks an ExportRequest built without ParseExportRequest.
func (r ExportRequest) Validate() error {
	if !r.Purpose.Valid() {
		return invalidArgument("export_purpose", "export_purpose must be one of registry, publication, research")
	}
	if !r.Dataset.Valid() {
		return invalidArgument("dataset_type", "dataset_type must be one of care_targets, outcomes, episodes")
	}
	if r.DateRangeStart.IsZero() {
		return invalidArgument("date_range_start", "date_range_start is required")
	}
	if r.DateRangeEnd.IsZero() {
		return invalidArgument("date_range_end", "date_range_end is required")
	}
	if r.DateRangeEnd.Before(r.DateRangeStart) {
		return invalidArgument("date_range_end", "date_range_end must not be before date_range_start")
	}
	return nil
}

// SourceRow maps a view column name to its text value. A missing key is SQL
// NULL.
type SourceRow map[string]string

// Record is one pseudonymized output row, aligned with its schema's
// allow-list.
type Record []string

// ExportManifest is the append-only record of one completed export.
type ExportManifest struct {
	ID             uuid.UUID     `json:"id"`
	CreatedBy      string        `json:"created_by"`
	ExportPurpose  ExportPurpose `json:"export_purpose"`
	DatasetType    DatasetType   `json:"dataset_type"`
	DateRangeStart time.Time     `json:"date_range_start"`
	DateRangeEnd   time.Time     `json:"date_range_end"`
	RowCount       int           `json:"row_count"`
	HashVersion    string        `json:"hash_version"`
	SchemaVersion  string        `json:"schema_version"`
	CreatedAt      time.Time     `json:"created_at"`
}

// MarshalJSON renders the date range as plain dates.
func (m ExportManifest) MarshalJSON() ([]byte, error) {
	type alias ExportManifest
	return json.Marshal(struct {
		alias
		DateRangeStart string `json:"date_range_start"`
		DateRangeEnd   string `json:"date_range_end"`
	}{
		alias:          alias(m),
		DateRangeStart: m.DateRangeStart.Format(DateLayout),
		DateRangeEnd:   m.DateRangeEnd.Format(DateLayout),
	})
}

// ExportResult is what a successful export hands back to the transport.
type ExportResult struct {
	CSV      []byte
	Filename string
	Manifest *ExportManifest
	RowCount int
	// Warnings name bookkeeping writes that failed after the CSV was built.
	Warnings []string
}
