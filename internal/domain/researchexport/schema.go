package researchexport

// ColumnKind separates identifier columns, which are always pseudonymized,
// from content columns, which pass through verbatim.
type ColumnKind int

const (
	ContentColumn ColumnKind = iota
	IdentifierColumn
)

// Column is one declared column of a research view.
type Column struct {
	Source string
	Output string
	Kind   ColumnKind
	// Prefix is the token label for identifier columns.
	Prefix string
}

func content(name string) Column {
	return Column{Source: name, Output: name, Kind: ContentColumn}
}

func identifier(source string) Column {
	return Column{
		Source: source,
		Output: PseudonymField(source),
		Kind:   IdentifierColumn,
		Prefix: PrefixFor(source),
	}
}

// Schema declares the shape of one dataset: the view it reads, the
// time-bucket column the date range filters on, and its ordered columns.
type Schema struct {
	Dataset   DatasetType
	View      string
	DateField string
	Columns   []Column
}

// AllowList returns the output column names, in order. An export of this
// dataset has exactly these columns.
func (s Schema) AllowList() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Output
	}
	return out
}

// SourceColumns returns the view columns read for this dataset.
func (s Schema) SourceColumns() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Source
	}
	return out
}

var schemas = map[DatasetType]Schema{
	DatasetCareTargets: {
		Dataset:   DatasetCareTargets,
		View:      "research_care_targets_v",
		DateField: "created_month",
		Columns: []Column{
			identifier("care_target_uuid"),
			identifier("patient_uuid"),
			content("body_region"),
			content("target_type"),
			content("status"),
			content("created_month"),
		},
	},
	DatasetOutcomes: {
		Dataset:   DatasetOutcomes,
		View:      "research_outcomes_v",
		DateField: "discharge_month",
		Columns: []Column{
			identifier("care_target_uuid"),
			content("instrument_type"),
			content("baseline_score"),
			content("discharge_score"),
			content("score_delta"),
			content("mcid_met"),
		},
	},
	DatasetEpisodes: {
		Dataset:   DatasetEpisodes,
		View:      "research_episodes_v",
		DateField: "start_month",
		Columns: []Column{
			identifier("episode_uuid"),
			identifier("patient_uuid"),
			content("episode_type"),
			content("status"),
			content("start_month"),
			content("end_month"),
			content("visit_count"),
		},
	},
}

// SchemaFor returns the declared schema of d.
func SchemaFor(d DatasetType) (Schema, bool) {
	s, ok := schemas[d]
	return s, ok
}

// AllowList returns the output columns of d, or nil for an unknown dataset.
func AllowList(d DatasetType) []string {
	s, ok := schemas[d]
	if !ok {
		return nil
	}
	return s.AllowList()
}
