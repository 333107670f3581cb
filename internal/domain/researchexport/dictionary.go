package researchexport

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DictionaryColumn documents one released column.
type DictionaryColumn struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Source string `yaml:"source"`
	Prefix string `yaml:"token_prefix,omitempty"`
}

// DictionaryEntry documents one dataset as it leaves the service.
type DictionaryEntry struct {
	Dataset       DatasetType        `yaml:"dataset"`
	View          string             `yaml:"view"`
	DateField     string             `yaml:"date_field"`
	HashVersion   string             `yaml:"hash_version"`
	SchemaVersion string             `yaml:"schema_version"`
	Columns       []DictionaryColumn `yaml:"columns"`
}

// Datasets lists every exportable dataset in a stable order.
func Datasets() []DatasetType {
	return []DatasetType{DatasetCareTargets, DatasetOutcomes, DatasetEpisodes}
}

// Dictionary describes the declared schemas of datasets, or of every
// dataset when none are given.
func Dictionary(datasets ...DatasetType) ([]DictionaryEntry, error) {
	if len(datasets) == 0 {
		datasets = Datasets()
	}
	out := make([]DictionaryEntry, 0, len(datasets))
	for _, d := range datasets {
		s, ok := SchemaFor(d)
		if !ok {
			return nil, fmt.Errorf("unknown dataset type %q", d)
		}
		entry := DictionaryEntry{
			Dataset:       s.Dataset,
			View:          s.View,
			DateField:     s.DateField,
			HashVersion:   HashVersion,
			SchemaVersion: SchemaVersion,
		}
		for _, c := range s.Columns {
			kind := "content"
			if c.Kind == IdentifierColumn {
				kind = "pseudonym"
			}
			entry.Columns = append(entry.Columns, DictionaryColumn{
				Name:   c.Output,
				Kind:   kind,
				Source: c.Source,
				Prefix: c.Prefix,
			})
		}
		out = append(out, entry)
	}
	return out, nil
}

// WriteDictionaryYAML writes the dictionary for datasets to w.
func WriteDictionaryYAML(w io.Writer, datasets ...DatasetType) error {
	entries, err := Dictionary(datasets...)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encode data dictionary: %w", err)
	}
	return enc.Close()
}
