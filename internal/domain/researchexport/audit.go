package researchexport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/ppc/ppc/internal/platform/hipaa"
)

// PIDPattern is the shape of every value in a *_pid column.
var PIDPattern = regexp.MustCompile(`^[A-Z]{3}_[a-f0-9]{16}$`)

// maxFindingsShown caps per-check output of AuditReport.Print.
const maxFindingsShown = 20

// Finding locates one offending cell. Row is 1-based over data rows.
type Finding struct {
	Row    int
	Column string
	Reason string
}

// AuditReport is the result of checking an export file before distribution.
type AuditReport struct {
	Dataset           DatasetType
	Rows              int
	MissingColumns    []string
	UnexpectedColumns []string
	ForbiddenColumns  []string
	PHIValues         []Finding
	InvalidPIDs       []Finding
}

// Passed reports whether every check passed.
func (r *AuditReport) Passed() bool {
	return len(r.MissingColumns) == 0 &&
		len(r.UnexpectedColumns) == 0 &&
		len(r.ForbiddenColumns) == 0 &&
		len(r.PHIValues) == 0 &&
		len(r.InvalidPIDs) == 0
}

// AuditCSV checks an export file independently of the code that produced
// it: the header must equal the dataset allow-list, no column may be a
// direct identifier, no cell may look like PHI, and every *_pid cell must
// be a well-formed token or empty.
func AuditCSV(r io.Reader, dataset DatasetType) (*AuditReport, error) {
	allow := AllowList(dataset)
	if allow == nil {
		return nil, fmt.Errorf("unknown dataset type %q", dataset)
	}

	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	rep := &AuditReport{Dataset: dataset}
	rep.MissingColumns, rep.UnexpectedColumns = diffColumns(allow, header)
	for _, h := range header {
		if hipaa.IsForbiddenColumn(h) {
			rep.ForbiddenColumns = append(rep.ForbiddenColumns, h)
		}
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", rep.Rows+1, err)
		}
		rep.Rows++
		for i, v := range rec {
			col := header[i]
			if strings.HasSuffix(col, "_pid") && v != "" && !PIDPattern.MatchString(v) {
				rep.InvalidPIDs = append(rep.InvalidPIDs, Finding{Row: rep.Rows, Column: col, Reason: "malformed pseudonym"})
			}
			if PIDPattern.MatchString(v) {
				continue
			}
			for _, name := range hipaa.ScanValue(v) {
				rep.PHIValues = append(rep.PHIValues, Finding{Row: rep.Rows, Column: col, Reason: name})
			}
		}
	}
	return rep, nil
}

func diffColumns(want, got []string) (missing, unexpected []string) {
	wantSet := make(map[string]bool, len(want))
	for _, w := range want {
		wantSet[w] = true
	}
	gotSet := make(map[string]bool, len(got))
	for _, g := range got {
		// A repeated name is unexpected even when the name itself is allowed.
		if !wantSet[g] || gotSet[g] {
			unexpected = append(unexpected, g)
		}
		gotSet[g] = true
	}
	for _, w := range want {
		if !gotSet[w] {
			missing = append(missing, w)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return missing, unexpected
}

// Print writes a human-readable report. Failing reports end with
// DO NOT DISTRIBUTE.
func (r *AuditReport) Print(w io.Writer) {
	fmt.Fprintf(w, "dataset: %s\nrows: %d\n", r.Dataset, r.Rows)

	check := func(name string, ok bool) {
		status := "PASS"
		if !ok {
			status = "FAIL"
		}
		fmt.Fprintf(w, "[%s] %s\n", status, name)
	}

	check("header matches allow-list", len(r.MissingColumns) == 0 && len(r.UnexpectedColumns) == 0)
	for _, c := range r.MissingColumns {
		fmt.Fprintf(w, "  missing column: %s\n", c)
	}
	for _, c := range r.UnexpectedColumns {
		fmt.Fprintf(w, "  unexpected column: %s\n", c)
	}

	check("no forbidden PHI columns", len(r.ForbiddenColumns) == 0)
	for _, c := range r.ForbiddenColumns {
		fmt.Fprintf(w, "  forbidden column: %s\n", c)
	}

	check("no PHI-shaped values", len(r.PHIValues) == 0)
	printFindings(w, r.PHIValues)

	check("pseudonym format", len(r.InvalidPIDs) == 0)
	printFindings(w, r.InvalidPIDs)

	if r.Passed() {
		fmt.Fprintln(w, "all checks passed")
		return
	}
	fmt.Fprintln(w, "DO NOT DISTRIBUTE")
}

func printFindings(w io.Writer, fs []Finding) {
	for i, f := range fs {
		if i == maxFindingsShown {
			fmt.Fprintf(w, "  ... %d more\n", len(fs)-maxFindingsShown)
			return
		}
		fmt.Fprintf(w, "  row %d column %s: %s\n", f.Row, f.Column, f.Reason)
	}
}
