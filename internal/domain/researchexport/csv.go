package researchexport

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"
)

// RenderCSV writes the allow-list header and one line per record. Values
// containing a comma, quote or newline are quoted with inner quotes doubled.
// A record whose width differs from the header is an error rather than a
// misaligned file.
func RenderCSV(schema Schema, records []Record) ([]byte, error) {
	header := schema.AllowList()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for i, rec := range records {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("record %d has %d fields, header has %d", i, len(rec), len(header))
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("write csv record %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename is the suggested download name of an export produced on day.
func Filename(dataset DatasetType, purpose ExportPurpose, day time.Time) string {
	return fmt.Sprintf("ppc_research_%s_%s_%s.csv", dataset, purpose, day.Format(DateLayout))
}
