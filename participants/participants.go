// Package participants parses participant demographics and site
// manifest tables into subject-ordered covariate columns.
package participants

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownSubject names a requested subject id missing from a table.
type ErrUnknownSubject struct {
	SubjectID string
}

func (e *ErrUnknownSubject) Error() string {
	return fmt.Sprintf("participants: unknown subject id %q", e.SubjectID)
}

// ErrMissingColumn names a requested covariate column missing from a table.
type ErrMissingColumn struct {
	Column string
}

func (e *ErrMissingColumn) Error() string {
	return fmt.Sprintf("participants: missing column %q", e.Column)
}

// ImputationStrategy selects how missing numeric values are filled.
type ImputationStrategy int

const (
	MeanImputation ImputationStrategy = iota
	MedianImputation
)

// Options configures table loading.
type Options struct {
	IDColumn    string
	SubjectIDs  []string // if set, rows are reordered/validated against this order
	Imputation  ImputationStrategy
	Delimiter   rune
}

// Option mutates Options.
type Option func(*Options)

// WithIDColumn overrides the default subject-id column name.
func WithIDColumn(name string) Option { return func(o *Options) { o.IDColumn = name } }

// WithSubjectOrder reorders/validates rows against a caller-supplied order.
func WithSubjectOrder(ids []string) Option { return func(o *Options) { o.SubjectIDs = ids } }

// WithImputation selects the missing-value imputation strategy.
func WithImputation(s ImputationStrategy) Option { return func(o *Options) { o.Imputation = s } }

// Table holds subject-ordered covariate columns.
type Table struct {
	SubjectIDs []string
	Covariates map[string][]float64
}

func (t *Table) NSubjects() int { return len(t.SubjectIDs) }

func (t *Table) CovariateNames() []string {
	names := make([]string, 0, len(t.Covariates))
	for k := range t.Covariates {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// LoadTSV loads a tab-separated participants table.
func LoadTSV(path string, columns []string, opts ...Option) (*Table, error) {
	o := Options{IDColumn: "participant_id", Delimiter: '\t'}
	for _, fn := range opts {
		fn(&o)
	}
	return load(path, columns, o)
}

// LoadCSV loads a comma-separated participants table.
func LoadCSV(path string, columns []string, opts ...Option) (*Table, error) {
	o := Options{IDColumn: "subject", Delimiter: ','}
	for _, fn := range opts {
		fn(&o)
	}
	return load(path, columns, o)
}

func load(path string, columns []string, o Options) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = o.Delimiter
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("participants: reading %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("participants: %s has no rows", path)
	}

	header := records[0]
	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[strings.TrimSpace(h)] = i
	}

	idCol, ok := colIdx[o.IDColumn]
	if !ok {
		return nil, &ErrMissingColumn{Column: o.IDColumn}
	}
	for _, c := range columns {
		if _, ok := colIdx[c]; !ok {
			return nil, &ErrMissingColumn{Column: c}
		}
	}

	rows := records[1:]
	rawIDs := make([]string, len(rows))
	rawCols := make(map[string][]string, len(columns))
	for _, c := range columns {
		rawCols[c] = make([]string, len(rows))
	}
	for i, row := range rows {
		rawIDs[i] = row[idCol]
		for _, c := range columns {
			rawCols[c][i] = row[colIdx[c]]
		}
	}

	covariates := make(map[string][]float64, len(columns))
	for _, c := range columns {
		vals := rawCols[c]
		if isNumeric(vals) {
			covariates[c] = handleMissingValues(vals, o.Imputation)
		} else {
			covariates[c] = encodeCategorical(vals)
		}
	}

	table := &Table{SubjectIDs: rawIDs, Covariates: covariates}

	if o.SubjectIDs != nil {
		table, err = reorder(table, o.SubjectIDs)
		if err != nil {
			return nil, err
		}
	}
	return table, nil
}

func reorder(t *Table, order []string) (*Table, error) {
	pos := make(map[string]int, len(t.SubjectIDs))
	for i, id := range t.SubjectIDs {
		pos[id] = i
	}
	out := &Table{SubjectIDs: append([]string{}, order...), Covariates: make(map[string][]float64, len(t.Covariates))}
	for name, col := range t.Covariates {
		newCol := make([]float64, len(order))
		for i, id := range order {
			srcIdx, ok := pos[id]
			if !ok {
				return nil, &ErrUnknownSubject{SubjectID: id}
			}
			newCol[i] = col[srcIdx]
		}
		out.Covariates[name] = newCol
	}
	return out, nil
}

// isNumeric reports whether every non-missing value parses as a float.
func isNumeric(vals []string) bool {
	any := false
	for _, v := range vals {
		if isMissingToken(v) {
			continue
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return false
		}
		any = true
	}
	return any
}

func isMissingToken(v string) bool {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "NA", "N/A":
		return true
	default:
		return false
	}
}

// handleMissingValues parses a numeric column, imputing missing
// tokens with the mean or median of the observed values.
func handleMissingValues(vals []string, strategy ImputationStrategy) []float64 {
	out := make([]float64, len(vals))
	missing := make([]bool, len(vals))
	var observed []float64
	for i, v := range vals {
		if isMissingToken(v) {
			missing[i] = true
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			missing[i] = true
			continue
		}
		out[i] = f
		observed = append(observed, f)
	}

	fill := 0.0
	if len(observed) > 0 {
		switch strategy {
		case MedianImputation:
			fill = median(observed)
		default:
			fill = mean(observed)
		}
	}
	for i := range out {
		if missing[i] {
			out[i] = fill
		}
	}
	return out
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	sorted := append([]float64{}, xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// encodeCategorical encodes a categorical column. sex-like values are
// mapped to {1.0 (male), 0.0 (female)}; anything else is mapped to a
// 0-based label index in first-seen order.
func encodeCategorical(vals []string) []float64 {
	if isSexColumn(vals) {
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = sexValue(v)
		}
		return out
	}

	labelIdx := make(map[string]int)
	out := make([]float64, len(vals))
	for i, v := range vals {
		key := strings.TrimSpace(v)
		idx, ok := labelIdx[key]
		if !ok {
			idx = len(labelIdx)
			labelIdx[key] = idx
		}
		out[i] = float64(idx)
	}
	return out
}

func isSexColumn(vals []string) bool {
	for _, v := range vals {
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "M", "F", "MALE", "FEMALE", "1", "0":
			continue
		default:
			return false
		}
	}
	return true
}

func sexValue(v string) float64 {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "M", "MALE", "1":
		return 1.0
	default:
		return 0.0
	}
}

// SiteManifest is the subject/site/image-path/covariate table that
// orders the design matrix built downstream.
type SiteManifest struct {
	Subjects   []string
	Sites      []string
	ImagePaths []string
	Covariates map[string][]float64
}

var imagePathColumns = []string{"image_path", "image", "path", "fa_path", "fa", "fod_path"}

// LoadSiteManifest loads a CSV site manifest; row order fixes subject
// order for downstream design construction.
func LoadSiteManifest(path string, covariateColumns []string) (*SiteManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("participants: reading %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("participants: %s has no rows", path)
	}
	header := records[0]
	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[strings.TrimSpace(h)] = i
	}

	subjCol, ok := colIdx["subject"]
	if !ok {
		return nil, &ErrMissingColumn{Column: "subject"}
	}
	siteCol, ok := colIdx["site"]
	if !ok {
		return nil, &ErrMissingColumn{Column: "site"}
	}
	pathCol := -1
	for _, name := range imagePathColumns {
		if i, ok := colIdx[name]; ok {
			pathCol = i
			break
		}
	}
	if pathCol < 0 {
		return nil, &ErrMissingColumn{Column: "image_path"}
	}
	for _, c := range covariateColumns {
		if _, ok := colIdx[c]; !ok {
			return nil, &ErrMissingColumn{Column: c}
		}
	}

	rows := records[1:]
	m := &SiteManifest{
		Subjects:   make([]string, len(rows)),
		Sites:      make([]string, len(rows)),
		ImagePaths: make([]string, len(rows)),
		Covariates: make(map[string][]float64, len(covariateColumns)),
	}
	rawCols := make(map[string][]string, len(covariateColumns))
	for _, c := range covariateColumns {
		rawCols[c] = make([]string, len(rows))
	}
	for i, row := range rows {
		m.Subjects[i] = row[subjCol]
		m.Sites[i] = row[siteCol]
		m.ImagePaths[i] = row[pathCol]
		for _, c := range covariateColumns {
			rawCols[c][i] = row[colIdx[c]]
		}
	}
	for _, c := range covariateColumns {
		vals := rawCols[c]
		if isNumeric(vals) {
			m.Covariates[c] = handleMissingValues(vals, MeanImputation)
		} else {
			m.Covariates[c] = encodeCategorical(vals)
		}
	}
	return m, nil
}
