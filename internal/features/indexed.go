package features

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// IndexedFeatureSet is the feature table together with the node index map.
// Account ids are sorted ascending and index i is the i-th id; every tensor
// handed to a model is built through this type. It is immutable.
type IndexedFeatureSet struct {
	columns []string
	ids     []string
	index   map[string]int
	rows    []float64 // row-major, len(ids) x len(columns)
}

// New builds a feature set from rows keyed by account id.
func New(cols []string, rows map[string][]float64) (*IndexedFeatureSet, error) {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ordered := make([][]float64, len(ids))
	for i, id := range ids {
		ordered[i] = rows[id]
	}
	return FromRows(cols, ids, ordered)
}

// FromRows builds a feature set from ids already in canonical order.
// Ids must be strictly ascending and every row must have len(cols) values.
func FromRows(cols []string, ids []string, rows [][]float64) (*IndexedFeatureSet, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: feature set has no columns", domain.ErrInconsistentIndexing)
	}
	if len(ids) != len(rows) {
		return nil, fmt.Errorf("%w: %d ids but %d rows", domain.ErrInconsistentIndexing, len(ids), len(rows))
	}

	s := &IndexedFeatureSet{
		columns: append([]string(nil), cols...),
		ids:     append([]string(nil), ids...),
		index:   make(map[string]int, len(ids)),
		rows:    make([]float64, 0, len(ids)*len(cols)),
	}
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: empty account id at row %d", domain.ErrInconsistentIndexing, i)
		}
		if i > 0 && ids[i-1] >= id {
			return nil, fmt.Errorf("%w: ids not strictly ascending at %q", domain.ErrInconsistentIndexing, id)
		}
		if len(rows[i]) != len(cols) {
			return nil, fmt.Errorf("%w: row %q has %d values, want %d",
				domain.ErrInconsistentIndexing, id, len(rows[i]), len(cols))
		}
		s.index[id] = i
		s.rows = append(s.rows, rows[i]...)
	}
	return s, nil
}

// Len returns the number of accounts.
func (s *IndexedFeatureSet) Len() int { return len(s.ids) }

// Dim returns the number of feature columns.
func (s *IndexedFeatureSet) Dim() int { return len(s.columns) }

// Columns returns a copy of the column names.
func (s *IndexedFeatureSet) Columns() []string {
	return append([]string(nil), s.columns...)
}

// IDs returns a copy of the account ids in index order.
func (s *IndexedFeatureSet) IDs() []string {
	return append([]string(nil), s.ids...)
}

// Index returns the dense index of an account.
func (s *IndexedFeatureSet) Index(id string) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

// ID returns the account at index i.
func (s *IndexedFeatureSet) ID(i int) string {
	return s.ids[i]
}

// Row returns a copy of an account's feature vector.
func (s *IndexedFeatureSet) Row(id string) ([]float64, error) {
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return s.RowAt(i), nil
}

// RowAt returns a copy of the feature vector at index i.
func (s *IndexedFeatureSet) RowAt(i int) []float64 {
	d := len(s.columns)
	out := make([]float64, d)
	copy(out, s.rows[i*d:(i+1)*d])
	return out
}

// Matrix returns the features as a fresh n x d matrix in index order.
func (s *IndexedFeatureSet) Matrix() *mat.Dense {
	if len(s.ids) == 0 {
		return nil
	}
	data := make([]float64, len(s.rows))
	copy(data, s.rows)
	return mat.NewDense(len(s.ids), len(s.columns), data)
}

// Labels returns a 0/1 label per index; accounts in illicit are 1.
// Ids in illicit that are not part of the set are ignored.
func (s *IndexedFeatureSet) Labels(illicit map[string]bool) []int {
	out := make([]int, len(s.ids))
	for id, bad := range illicit {
		if !bad {
			continue
		}
		if i, ok := s.index[id]; ok {
			out[i] = 1
		}
	}
	return out
}

// EdgeIndex maps (source, target) ids to index pairs. An edge touching an id
// outside the set means the graph and the feature table disagree.
func (s *IndexedFeatureSet) EdgeIndex(edges []domain.Edge) ([][2]int, error) {
	out := make([][2]int, 0, len(edges))
	for _, e := range edges {
		src, ok := s.index[e.Source]
		if !ok {
			return nil, fmt.Errorf("%w: edge source %q is not indexed", domain.ErrInconsistentIndexing, e.Source)
		}
		dst, ok := s.index[e.Target]
		if !ok {
			return nil, fmt.Errorf("%w: edge target %q is not indexed", domain.ErrInconsistentIndexing, e.Target)
		}
		out = append(out, [2]int{src, dst})
	}
	return out, nil
}
