package hipaa

import (
	"regexp"
	"sort"
	"strings"
)

// forbiddenColumns are column names that carry direct identifiers under the
// HIPAA Safe Harbor standard (45 CFR 164.514(b)(2)). None may appear in a
// de-identified extract.
var forbiddenColumns = map[string]bool{
	"first_name":    true,
	"last_name":     true,
	"full_name":     true,
	"name":          true,
	"patient_name":  true,
	"dob":           true,
	"date_of_birth": true,
	"birth_date":    true,
	"email":         true,
	"phone":         true,
	"phone_number":  true,
	"mobile":        true,
	"ssn":           true,
	"address":       true,
	"street":        true,
	"address_line1": true,
	"zip":           true,
	"zip_code":      true,
	"postal_code":   true,
	"mrn":           true,
	"notes":         true,
	"free_text":     true,
	"comments":      true,
}

// IsForbiddenColumn reports whether a column name is a direct identifier or
// a raw (un-pseudonymized) record key such as patient_id or episode_uuid.
func IsForbiddenColumn(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if forbiddenColumns[n] {
		return true
	}
	return n == "id" || n == "uuid" || strings.HasSuffix(n, "_id") || strings.HasSuffix(n, "_uuid")
}

// ForbiddenColumns returns the sorted list of forbidden column names.
func ForbiddenColumns() []string {
	out := make([]string, 0, len(forbiddenColumns))
	for k := range forbiddenColumns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PHIPattern is a named regular expression for a value shape that suggests an
// identifier leaked into a cell.
type PHIPattern struct {
	Name string
	Re   *regexp.Regexp
}

var phiPatterns = []PHIPattern{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"phone", regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(\d{3}\)\s?|\b\d{3}[-.\s])\d{3}[-.\s]\d{4}\b`)},
	// A cell holding nothing but ten digits (optionally +1/1 first) is read
	// as a phone number; no released content column carries such a value.
	{"phone", regexp.MustCompile(`^\s*(?:\+?1)?\d{10}\s*$`)},
	{"street_address", regexp.MustCompile(`(?i)\b\d{1,6}\s+(?:[A-Za-z0-9.]+\s+){1,3}(?:st|street|ave|avenue|rd|road|blvd|boulevard|ln|lane|dr|drive|ct|court|way|pl|place)\b`)},
	{"date_mdy", regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/\d{4}\b`)},
}

// PHIPatterns returns the value patterns checked by ScanValue.
func PHIPatterns() []PHIPattern {
	return phiPatterns
}

// ScanValue returns the names of every PHI pattern that matches s, or nil.
func ScanValue(s string) []string {
	if s == "" {
		return nil
	}
	var hits []string
	for _, p := range phiPatterns {
		if p.Re.MatchString(s) && (len(hits) == 0 || hits[len(hits)-1] != p.Name) {
			hits = append(hits, p.Name)
		}
	}
	return hits
}
