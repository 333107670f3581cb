package researchexport

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func mustPseudonymizer(t *testing.T, salt string) *Pseudonymizer {
	t.Helper()
	p, err := NewPseudonymizer(salt)
	if err != nil {
		t.Fatalf("NewPseudonymizer: %v", err)
	}
	return p
}

func TestNewPseudonymizer_EmptySalt(t *testing.T) {
	for _, salt := range []string{"", "   "} {
		_, err := NewPseudonymizer(salt)
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("salt %q: expected configuration error, got %v", salt, err)
		}
	}
}

func TestToken_KnownValue(t *testing.T) {
	p := mustPseudonymizer(t, "epoch-1")
	sum := sha256.Sum256([]byte("epoch-1:abc-123"))
	want := "CAR_" + hex.EncodeToString(sum[:])[:16]

	if got := p.Token("CAR", "abc-123"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if len(want) != 20 {
		t.Errorf("expected 20-character token, got %d", len(want))
	}
}

func TestToken_DeterministicAndCollisionFree(t *testing.T) {
	p := mustPseudonymizer(t, "epoch-1")
	seen := make(map[string]string, 10000)

	for i := 0; i < 10000; i++ {
		id := uuid.New().String()
		tok := p.Token("PAT", id)
		if again := p.Token("PAT", id); again != tok {
			t.Fatalf("token for %s changed: %s then %s", id, tok, again)
		}
		if prev, dup := seen[tok]; dup {
			t.Fatalf("collision: %s and %s both map to %s", prev, id, tok)
		}
		seen[tok] = id
	}
}

func TestToken_SaltEpochChangesTokens(t *testing.T) {
	a := mustPseudonymizer(t, "epoch-1")
	b := mustPseudonymizer(t, "epoch-2")
	if a.Token("PAT", "42") == b.Token("PAT", "42") {
		t.Error("expected a different token after salt rotation")
	}
}

func TestToken_FormatAndNoSubstringLeak(t *testing.T) {
	p := mustPseudonymizer(t, "s3cret")
	rng := rand.New(rand.NewSource(7))

	ids := make([]string, 0, 2000)
	for i := 0; i < 1000; i++ {
		ids = append(ids, uuid.New().String())
		ids = append(ids, strconv.FormatInt(1_000_000_000+rng.Int63n(1_000_000_000), 10))
	}

	for _, id := range ids {
		tok := p.Token("EPI", id)
		if !PIDPattern.MatchString(tok) {
			t.Fatalf("token %q does not match pid format", tok)
		}
		if strings.Contains(tok, id) {
			t.Fatalf("token %s contains id %s", tok, id)
		}
		for _, part := range strings.Split(id, "-") {
			if len(part) >= 8 && strings.Contains(tok, part) {
				t.Fatalf("token %s contains segment %s of id %s", tok, part, id)
			}
		}
	}
}

func TestPrefixFor(t *testing.T) {
	tests := []struct {
		field string
		want  string
	}{
		{"patient_uuid", "PAT"},
		{"episode_id", "EPI"},
		{"care_target_uuid", "CAR"},
		{"care_target_pid", "CAR"},
		{"Patient_UUID", "PAT"},
		{"ab_id", "ABX"},
	}
	for _, tt := range tests {
		if got := PrefixFor(tt.field); got != tt.want {
			t.Errorf("PrefixFor(%q) = %s, want %s", tt.field, got, tt.want)
		}
	}
}

func TestPseudonymField(t *testing.T) {
	tests := map[string]string{
		"care_target_uuid": "care_target_pid",
		"patient_id":       "patient_pid",
		"episode_pid":      "episode_pid",
	}
	for in, want := range tests {
		if got := PseudonymField(in); got != want {
			t.Errorf("PseudonymField(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestApply_ReplacesIdentifiers(t *testing.T) {
	p := mustPseudonymizer(t, "epoch-1")
	schema, _ := SchemaFor(DatasetEpisodes)

	rows := []SourceRow{
		{
			"episode_uuid": "ep-1",
			"patient_uuid": "pat-1",
			"episode_type": "outpatient",
			"status":       "closed",
			"start_month":  "2024-01-01",
			"end_month":    "2024-03-01",
			"visit_count":  "8",
		},
		{
			"episode_uuid": "ep-2",
			"episode_type": "outpatient",
			"status":       "active",
			"start_month":  "2024-02-01",
			"visit_count":  "3",
		},
	}

	recs, err := p.Apply(schema, rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	first := recs[0]
	if first[0] != p.Token("EPI", "ep-1") {
		t.Errorf("expected episode token, got %s", first[0])
	}
	if first[1] != p.Token("PAT", "pat-1") {
		t.Errorf("expected patient token, got %s", first[1])
	}
	if first[2] != "outpatient" || first[6] != "8" {
		t.Errorf("content columns altered: %v", first)
	}

	second := recs[1]
	if second[1] != "" {
		t.Errorf("expected empty cell for null identifier, got %q", second[1])
	}
	if second[5] != "" {
		t.Errorf("expected empty cell for null end_month, got %q", second[5])
	}

	for _, rec := range recs {
		for _, v := range rec {
			for _, raw := range []string{"ep-1", "ep-2", "pat-1"} {
				if v == raw {
					t.Errorf("raw identifier %s leaked into output", raw)
				}
			}
		}
	}
}

func TestApply_IgnoresUndeclaredColumns(t *testing.T) {
	p := mustPseudonymizer(t, "epoch-1")
	schema, _ := SchemaFor(DatasetOutcomes)
	rows := []SourceRow{{"care_target_uuid": "c-1", "patient_email": "x@example.com"}}

	recs, err := p.Apply(schema, rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs[0]) != len(schema.Columns) {
		t.Fatalf("expected %d fields, got %d", len(schema.Columns), len(recs[0]))
	}
	for _, v := range recs[0] {
		if v == "x@example.com" {
			t.Fatal("undeclared column leaked into output")
		}
	}
}

func TestApply_NilPseudonymizer(t *testing.T) {
	var p *Pseudonymizer
	schema, _ := SchemaFor(DatasetOutcomes)
	_, err := p.Apply(schema, []SourceRow{{"care_target_uuid": "c-1"}})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func BenchmarkToken(b *testing.B) {
	p, _ := NewPseudonymizer("bench")
	for i := 0; i < b.N; i++ {
		_ = p.Token("PAT", fmt.Sprintf("id-%d", i))
	}
}
