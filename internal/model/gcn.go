package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Graph is the symmetric-normalised adjacency D^-1/2 (A+I) D^-1/2 of the
// undirected transfer graph, stored as sorted neighbour lists.
type Graph struct {
	n   int
	nbr [][]int
	w   [][]float64
}

// NewGraph builds the normalised adjacency over n nodes. Edge direction is
// ignored, parallel edges collapse and every node gets a self loop.
func NewGraph(n int, edges [][2]int) (*Graph, error) {
	adj := make([]map[int]struct{}, n)
	for i := range adj {
		adj[i] = make(map[int]struct{})
	}
	for _, e := range edges {
		s, t := e[0], e[1]
		if s < 0 || s >= n || t < 0 || t >= n {
			return nil, fmt.Errorf("%w: edge (%d, %d) outside %d nodes", domain.ErrInconsistentIndexing, s, t, n)
		}
		if s == t {
			continue
		}
		adj[s][t] = struct{}{}
		adj[t][s] = struct{}{}
	}

	deg := make([]float64, n)
	for i := range adj {
		deg[i] = float64(len(adj[i]) + 1)
	}

	g := &Graph{n: n, nbr: make([][]int, n), w: make([][]float64, n)}
	for i := range adj {
		nbr := make([]int, 0, len(adj[i])+1)
		nbr = append(nbr, i)
		for j := range adj[i] {
			nbr = append(nbr, j)
		}
		sort.Ints(nbr)
		w := make([]float64, len(nbr))
		for k, j := range nbr {
			w[k] = 1 / math.Sqrt(deg[i]*deg[j])
		}
		g.nbr[i], g.w[i] = nbr, w
	}
	return g, nil
}

// Nodes returns the number of nodes.
func (g *Graph) Nodes() int { return g.n }

// Propagate returns Â·h. Â is symmetric, so this is also the backward pass.
func (g *Graph) Propagate(h *mat.Dense) *mat.Dense {
	_, cols := h.Dims()
	out := mat.NewDense(g.n, cols, nil)
	for i := 0; i < g.n; i++ {
		row := out.RawRowView(i)
		for k, j := range g.nbr[i] {
			w := g.w[i][k]
			for c, v := range h.RawRowView(j) {
				row[c] += w * v
			}
		}
	}
	return out
}

// Compress applies sign(v)·log(1+|v|) to every value. It is the classifier's
// fixed input transform over raw features and has no fitted parameters.
func Compress(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return -math.Log1p(-v)
		}
		return math.Log1p(v)
	}, x)
	return &out
}

// GCNConfig holds training hyperparameters.
type GCNConfig struct {
	Hidden       int
	Epochs       int
	LearningRate float64
	Seed         int64
}

func (c GCNConfig) withDefaults() GCNConfig {
	if c.Hidden <= 0 {
		c.Hidden = 16
	}
	if c.Epochs <= 0 {
		c.Epochs = 200
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	return c
}

// GCN is a two-layer graph convolutional classifier over {benign, illicit}:
// softmax(Â·ReLU(Â·X'·W1 + b1)·W2 + b2) with X' = Compress(X).
type GCN struct {
	conv1, conv2 *linear
}

const numClasses = 2

// ClassWeights returns N / (2·count_c) per class; absent classes weigh 0.
func ClassWeights(labels []int) [numClasses]float64 {
	var counts [numClasses]int
	for _, y := range labels {
		counts[y]++
	}
	var w [numClasses]float64
	for c, n := range counts {
		if n > 0 {
			w[c] = float64(len(labels)) / float64(numClasses*n)
		}
	}
	return w
}

// illicitDiscount sets how far below certainty an illicit node's target sits
// when it touches a single illicit transfer. Nodes with more involvement get
// targets closer to 1, so a hub ranks above the accounts that feed it.
const illicitDiscount = 0.5

// Targets returns each node's soft P(illicit) target and its loss weight.
// involvement[i] counts the illicit transfers touching node i and may be nil,
// in which case targets are hard 0/1 and weights are ClassWeights. Otherwise
// an illicit node with involvement k (counted as at least 1) targets
// 1 - illicitDiscount/(1+k) and weighs in proportion to 1+k within its class;
// each class keeps the total weight ClassWeights gives it.
func Targets(labels, involvement []int) (target, weight []float64) {
	n := len(labels)
	target = make([]float64, n)
	weight = make([]float64, n)
	raw := make([]float64, n)
	var counts, sums [numClasses]float64
	for i, y := range labels {
		raw[i] = 1
		if y == 1 {
			target[i] = 1
			if involvement != nil {
				k := float64(max(involvement[i], 1))
				target[i] = 1 - illicitDiscount/(1+k)
				raw[i] = 1 + k
			}
		}
		counts[y]++
		sums[y] += raw[i]
	}
	classW := ClassWeights(labels)
	for i, y := range labels {
		weight[i] = classW[y] * counts[y] * raw[i] / sums[y]
	}
	return target, weight
}

// TrainGCN fits the classifier with full-batch Adam on weighted cross entropy
// against the soft targets from Targets. labels[i] is 0 or 1 for node i of g
// and row i of x; involvement is nil or aligned with labels.
func TrainGCN(ctx context.Context, x *mat.Dense, g *Graph, labels, involvement []int, cfg GCNConfig) (*GCN, float64, error) {
	if x == nil {
		return nil, 0, fmt.Errorf("%w: cannot train classifier on an empty table", domain.ErrInvalidInput)
	}
	n, d := x.Dims()
	if g.Nodes() != n || len(labels) != n {
		return nil, 0, fmt.Errorf("%w: %d feature rows, %d graph nodes, %d labels",
			domain.ErrInconsistentIndexing, n, g.Nodes(), len(labels))
	}
	if involvement != nil && len(involvement) != n {
		return nil, 0, fmt.Errorf("%w: %d labels, %d involvement counts",
			domain.ErrInconsistentIndexing, n, len(involvement))
	}
	for i, y := range labels {
		if y != 0 && y != 1 {
			return nil, 0, fmt.Errorf("%w: label %d at node %d", domain.ErrInvalidInput, y, i)
		}
	}

	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &GCN{
		conv1: newLinear(d, cfg.Hidden, math.Sqrt(6/float64(d+cfg.Hidden)), false, rng),
		conv2: newLinear(cfg.Hidden, numClasses, math.Sqrt(6/float64(cfg.Hidden+numClasses)), false, rng),
	}

	target, weight := Targets(labels, involvement)
	var total float64
	for _, w := range weight {
		total += w
	}

	// Â·X' does not change across epochs.
	s1 := g.Propagate(Compress(x))
	opt := newAdam(cfg.LearningRate, m.params())

	var loss float64
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		var grads [][]float64
		loss, grads = m.lossAndGrads(s1, g, target, weight, total)
		opt.step(m.params(), grads)

		if (epoch+1)%50 == 0 {
			slog.Debug("classifier training", "epoch", epoch+1, "epochs", cfg.Epochs, "loss", loss)
		}
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, 0, fmt.Errorf("classifier training diverged: loss %v", loss)
	}
	return m, loss, nil
}

func (m *GCN) params() [][]float64 {
	return append(m.conv1.params(), m.conv2.params()...)
}

// lossAndGrads runs one forward and backward pass from s1 = Â·X'.
// target[i] is node i's P(illicit) target. Gradients are returned in
// params() order.
func (m *GCN) lossAndGrads(s1 *mat.Dense, g *Graph, target, weight []float64, total float64) (float64, [][]float64) {
	n, _ := s1.Dims()
	z1 := m.conv1.forward(s1)
	h1 := relu(z1)
	s2 := g.Propagate(h1)
	p := softmaxRows(m.conv2.forward(s2))

	var loss float64
	dz2 := mat.NewDense(n, numClasses, nil)
	for i := 0; i < n; i++ {
		prob := p.RawRowView(i)
		grad := dz2.RawRowView(i)
		t := [numClasses]float64{1 - target[i], target[i]}
		for c := range grad {
			if t[c] > 0 {
				loss -= weight[i] * t[c] * math.Log(math.Max(prob[c], 1e-12))
			}
			grad[c] = (prob[c] - t[c]) * weight[i] / total
		}
	}
	loss /= total

	dw2, db2 := m.conv2.grads(s2, dz2)
	dh1 := g.Propagate(m.conv2.backInput(dz2))
	reluBack(dh1, z1)
	dw1, db1 := m.conv1.grads(s1, dh1)

	return loss, [][]float64{dw1.RawMatrix().Data, db1, dw2.RawMatrix().Data, db2}
}

// InputDim returns the raw feature dimension the classifier consumes.
func (m *GCN) InputDim() int {
	in, _ := m.conv1.dims()
	return in
}

// Predict returns the n x 2 class distribution for every node.
func (m *GCN) Predict(x *mat.Dense, g *Graph) (*mat.Dense, error) {
	n, d := x.Dims()
	if n != g.Nodes() || d != m.InputDim() {
		return nil, fmt.Errorf("%w: classifier input %dx%d for %d nodes and %d features",
			domain.ErrInconsistentIndexing, n, d, g.Nodes(), m.InputDim())
	}
	h1 := relu(m.conv1.forward(g.Propagate(Compress(x))))
	p := softmaxRows(m.conv2.forward(g.Propagate(h1)))
	if !finiteMatrix(p) {
		return nil, fmt.Errorf("classifier produced non-finite probabilities")
	}
	return p, nil
}

// RiskScores returns P(illicit) for every node.
func (m *GCN) RiskScores(x *mat.Dense, g *Graph) ([]float64, error) {
	p, err := m.Predict(x, g)
	if err != nil {
		return nil, err
	}
	return mat.Col(nil, 1, p), nil
}

type gcnJSON struct {
	Conv1 *linear `json:"conv1"`
	Conv2 *linear `json:"conv2"`
}

// MarshalJSON encodes the weights.
func (m *GCN) MarshalJSON() ([]byte, error) {
	return json.Marshal(gcnJSON{Conv1: m.conv1, Conv2: m.conv2})
}

// UnmarshalJSON decodes weights and checks the layer shapes.
func (m *GCN) UnmarshalJSON(data []byte) error {
	var v gcnJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Conv1 == nil || v.Conv2 == nil {
		return fmt.Errorf("%w: classifier needs two graph convolutions", domain.ErrInconsistentIndexing)
	}
	_, hidden := v.Conv1.dims()
	in, out := v.Conv2.dims()
	if in != hidden || out != numClasses {
		return fmt.Errorf("%w: classifier layers %d->%d and %d->%d do not chain to %d classes",
			domain.ErrInconsistentIndexing, v.Conv1.w.RawMatrix().Rows, hidden, in, out, numClasses)
	}
	m.conv1, m.conv2 = v.Conv1, v.Conv2
	return nil
}
