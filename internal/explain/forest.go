// Package explain attributes the network classifier's decisions to input
// features through a random-forest surrogate and exact TreeSHAP.
package explain

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/sentinel/internal/domain"
)

const leaf = -1

// Node is one node of a CART tree. Internal nodes send x[Feature] <= Threshold
// left. Value is the fraction of class-1 samples reaching the node and Cover
// the number of (bootstrap) samples.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Value     float64 `json:"value"`
	Cover     float64 `json:"cover"`
}

// Tree is a flattened binary tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict returns the class-1 probability of the leaf x lands in.
func (t *Tree) Predict(x []float64) float64 {
	j := 0
	for t.Nodes[j].Feature != leaf {
		n := &t.Nodes[j]
		if x[n.Feature] <= n.Threshold {
			j = n.Left
		} else {
			j = n.Right
		}
	}
	return t.Nodes[j].Value
}

// Forest is a random forest of binary classification trees.
type Forest struct {
	NumFeatures int    `json:"num_features"`
	Trees       []Tree `json:"trees"`
}

// ForestConfig holds surrogate hyperparameters.
type ForestConfig struct {
	Trees    int
	MaxDepth int // 0 grows trees until leaves are pure
	Seed     int64
}

// FitForest grows cfg.Trees gini trees on bootstrap samples of x, each split
// drawing sqrt(p) candidate features. Tree t is seeded with Seed+t, so the
// forest does not depend on scheduling.
func FitForest(ctx context.Context, x *mat.Dense, y []int, cfg ForestConfig) (*Forest, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: cannot fit surrogate on an empty table", domain.ErrInvalidInput)
	}
	n, p := x.Dims()
	if len(y) != n {
		return nil, fmt.Errorf("%w: %d rows but %d targets", domain.ErrInconsistentIndexing, n, len(y))
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 50
	}

	cols := make([][]float64, p)
	for j := range cols {
		cols[j] = mat.Col(nil, j, x)
	}
	maxFeatures := int(math.Max(1, math.Floor(math.Sqrt(float64(p)))))

	f := &Forest{NumFeatures: p, Trees: make([]Tree, cfg.Trees)}
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < runtime.GOMAXPROCS(0); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				b := &treeBuilder{
					cols:        cols,
					y:           y,
					maxFeatures: maxFeatures,
					maxDepth:    cfg.MaxDepth,
					rng:         rand.New(rand.NewSource(cfg.Seed + int64(t))),
				}
				sample := make([]int, n)
				for i := range sample {
					sample[i] = b.rng.Intn(n)
				}
				b.grow(sample, 0)
				f.Trees[t] = Tree{Nodes: b.nodes}
			}
		}()
	}

	var err error
	for t := 0; t < cfg.Trees; t++ {
		if err = ctx.Err(); err != nil {
			break
		}
		jobs <- t
	}
	close(jobs)
	wg.Wait()
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Predict returns the mean class-1 probability over all trees.
func (f *Forest) Predict(x []float64) float64 {
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].Predict(x)
	}
	return sum / float64(len(f.Trees))
}

// Class returns the majority-vote class, 1 when the mean probability exceeds 0.5.
func (f *Forest) Class(x []float64) int {
	if f.Predict(x) > 0.5 {
		return 1
	}
	return 0
}

// Fidelity is the share of rows where the forest agrees with y.
func (f *Forest) Fidelity(x *mat.Dense, y []int) float64 {
	n, _ := x.Dims()
	if n == 0 {
		return 0
	}
	agree := 0
	for i := 0; i < n; i++ {
		if f.Class(x.RawRowView(i)) == y[i] {
			agree++
		}
	}
	return float64(agree) / float64(n)
}

// BaseValue is the expected forest output over the training distribution.
func (f *Forest) BaseValue() float64 {
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].Nodes[0].Value
	}
	return sum / float64(len(f.Trees))
}

// Validate checks the forest is structurally sound for dim features.
func (f *Forest) Validate(dim int) error {
	if f.NumFeatures != dim {
		return fmt.Errorf("%w: surrogate fit on %d features, want %d", domain.ErrInconsistentIndexing, f.NumFeatures, dim)
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("%w: surrogate has no trees", domain.ErrInconsistentIndexing)
	}
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("%w: surrogate tree %d is empty", domain.ErrInconsistentIndexing, ti)
		}
		for ni, n := range t.Nodes {
			if n.Feature == leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= dim ||
				n.Left <= ni || n.Left >= len(t.Nodes) ||
				n.Right <= ni || n.Right >= len(t.Nodes) {
				return fmt.Errorf("%w: surrogate tree %d node %d is malformed", domain.ErrInconsistentIndexing, ti, ni)
			}
		}
	}
	return nil
}

type treeBuilder struct {
	cols        [][]float64
	y           []int
	maxFeatures int
	maxDepth    int
	rng         *rand.Rand
	nodes       []Node
}

type split struct {
	feature   int
	threshold float64
	impurity  float64
}

func gini(pos, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(pos) / float64(n)
	return 2 * p * (1 - p)
}

// grow appends the subtree for sample and returns its node index.
func (b *treeBuilder) grow(sample []int, depth int) int {
	pos := 0
	for _, i := range sample {
		pos += b.y[i]
	}
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{
		Feature: leaf,
		Value:   float64(pos) / float64(len(sample)),
		Cover:   float64(len(sample)),
	})

	if pos == 0 || pos == len(sample) || len(sample) < 2 || (b.maxDepth > 0 && depth >= b.maxDepth) {
		return id
	}
	best, ok := b.bestSplit(sample, pos)
	if !ok {
		return id
	}

	var left, right []int
	for _, i := range sample {
		if b.cols[best.feature][i] <= best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id].Feature = best.feature
	b.nodes[id].Threshold = best.threshold
	b.nodes[id].Left = l
	b.nodes[id].Right = r
	return id
}

// bestSplit visits features in random order and keeps drawing until
// maxFeatures non-constant features have been evaluated.
func (b *treeBuilder) bestSplit(sample []int, pos int) (split, bool) {
	n := len(sample)
	best := split{impurity: math.Inf(1)}
	found := false
	evaluated := 0

	sorted := make([]int, n)
	for _, f := range b.rng.Perm(len(b.cols)) {
		if evaluated >= b.maxFeatures {
			break
		}
		col := b.cols[f]
		copy(sorted, sample)
		sort.Slice(sorted, func(i, j int) bool {
			if col[sorted[i]] != col[sorted[j]] {
				return col[sorted[i]] < col[sorted[j]]
			}
			return sorted[i] < sorted[j]
		})
		if col[sorted[0]] == col[sorted[n-1]] {
			continue
		}
		evaluated++

		leftPos := 0
		for k := 0; k < n-1; k++ {
			leftPos += b.y[sorted[k]]
			lo, hi := col[sorted[k]], col[sorted[k+1]]
			if lo == hi {
				continue
			}
			nl, nr := k+1, n-k-1
			imp := (float64(nl)*gini(leftPos, nl) + float64(nr)*gini(pos-leftPos, nr)) / float64(n)
			if imp < best.impurity-1e-12 {
				threshold := lo + (hi-lo)/2
				if threshold == hi {
					threshold = lo
				}
				best = split{feature: f, threshold: threshold, impurity: imp}
				found = true
			}
		}
	}
	return best, found
}
