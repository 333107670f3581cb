package researchexport

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// tokenHexLen is how much of the SHA-256 digest a token keeps (64 bits).
const tokenHexLen = 16

var identifierSuffixes = []string{"_uuid", "_id", "_pid"}

// Pseudonymizer replaces identifiers with salted, truncated SHA-256 tokens.
// The salt is the epoch: rotating it changes every token. It holds no other
// state and is safe for concurrent use.
type Pseudonymizer struct {
	salt string
}

// NewPseudonymizer fails with a configuration error when salt is empty.
func NewPseudonymizer(salt string) (*Pseudonymizer, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, configuration("pseudonymization salt is not configured")
	}
	return &Pseudonymizer{salt: salt}, nil
}

// Token returns PREFIX_ followed by the first 16 hex characters of
// sha256(salt + ":" + id).
func (p *Pseudonymizer) Token(prefix, id string) string {
	sum := sha256.Sum256([]byte(p.salt + ":" + id))
	return prefix + "_" + hex.EncodeToString(sum[:])[:tokenHexLen]
}

// Apply pseudonymizes rows against schema. Identifier columns become tokens
// under their _pid name; content columns are copied. Null identifiers stay
// empty. The raw identifier never reaches the output.
func (p *Pseudonymizer) Apply(schema Schema, rows []SourceRow) ([]Record, error) {
	if p == nil || p.salt == "" {
		return nil, configuration("pseudonymization salt is not configured")
	}

	out := make([]Record, len(rows))
	for i, row := range rows {
		rec := make(Record, len(schema.Columns))
		for j, col := range schema.Columns {
			v, ok := row[col.Source]
			switch {
			case col.Kind != IdentifierColumn:
				rec[j] = v
			case ok && v != "":
				rec[j] = p.Token(col.Prefix, v)
			}
		}
		out[i] = rec
	}
	return out, nil
}

func identifierBase(field string) string {
	f := strings.ToLower(field)
	for _, suf := range identifierSuffixes {
		if strings.HasSuffix(f, suf) {
			return strings.TrimSuffix(f, suf)
		}
	}
	return f
}

// PseudonymField returns the output name of an identifier column:
// care_target_uuid -> care_target_pid.
func PseudonymField(field string) string {
	return identifierBase(field) + "_pid"
}

// PrefixFor derives the three-letter token label from a field name:
// patient_uuid -> PAT, episode_id -> EPI, care_target_uuid -> CAR. Short
// names are padded with X.
func PrefixFor(field string) string {
	var b strings.Builder
	for _, r := range identifierBase(field) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r - 'a' + 'A')
			if b.Len() == 3 {
				break
			}
		}
	}
	for b.Len() < 3 {
		b.WriteByte('X')
	}
	return b.String()
}
