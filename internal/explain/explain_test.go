package explain

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
)

func randomData(seed int64, n, p int) (*mat.Dense, []int) {
	rng := rand.New(rand.NewSource(seed))
	x := mat.NewDense(n, p, nil)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			x.Set(i, j, math.Round(rng.Float64()*10))
		}
		if x.At(i, 0)+x.At(i, 1) > 10 || (p > 2 && x.At(i, 2) > 8) {
			y[i] = 1
		}
	}
	return x, y
}

// conditional is E[f(x) | x_S] under the path-dependent tree distribution.
func conditional(t *Tree, j int, x []float64, known map[int]bool) float64 {
	n := t.Nodes[j]
	if n.Feature == leaf {
		return n.Value
	}
	if known[n.Feature] {
		if x[n.Feature] <= n.Threshold {
			return conditional(t, n.Left, x, known)
		}
		return conditional(t, n.Right, x, known)
	}
	l, r := t.Nodes[n.Left], t.Nodes[n.Right]
	return (l.Cover*conditional(t, n.Left, x, known) + r.Cover*conditional(t, n.Right, x, known)) / n.Cover
}

// bruteForceSHAP enumerates every coalition.
func bruteForceSHAP(t *Tree, x []float64, p int) []float64 {
	fact := func(k int) float64 {
		out := 1.0
		for i := 2; i <= k; i++ {
			out *= float64(i)
		}
		return out
	}
	phi := make([]float64, p)
	for i := 0; i < p; i++ {
		for mask := 0; mask < 1<<p; mask++ {
			if mask&(1<<i) != 0 {
				continue
			}
			known := make(map[int]bool)
			size := 0
			for j := 0; j < p; j++ {
				if mask&(1<<j) != 0 {
					known[j] = true
					size++
				}
			}
			without := conditional(t, 0, x, known)
			known[i] = true
			with := conditional(t, 0, x, known)
			phi[i] += fact(size) * fact(p-size-1) / fact(p) * (with - without)
		}
	}
	return phi
}

func TestTreeSHAPMatchesShapleyValues(t *testing.T) {
	x, y := randomData(1, 80, 4)
	forest, err := FitForest(context.Background(), x, y, ForestConfig{Trees: 5, MaxDepth: 4, Seed: 42})
	require.NoError(t, err)

	for r := 0; r < 10; r++ {
		row := x.RawRowView(r)
		for ti := range forest.Trees {
			tree := &forest.Trees[ti]
			got := make([]float64, 4)
			tree.SHAP(row, got)
			want := bruteForceSHAP(tree, row, 4)
			assert.InDeltaSlice(t, want, got, 1e-9, "row %d tree %d", r, ti)
		}
	}
}

func TestForestLocalAccuracy(t *testing.T) {
	x, y := randomData(2, 200, 6)
	forest, err := FitForest(context.Background(), x, y, ForestConfig{Trees: 20, Seed: 42})
	require.NoError(t, err)

	base := forest.BaseValue()
	for r := 0; r < 20; r++ {
		row := x.RawRowView(r)
		var sum float64
		for _, v := range forest.SHAP(row) {
			sum += v
		}
		assert.InDelta(t, forest.Predict(row), base+sum, 1e-9, "row %d", r)
	}
}

func TestFitForest(t *testing.T) {
	x, y := randomData(3, 150, 3)

	t.Run("FitsTrainingData", func(t *testing.T) {
		forest, err := FitForest(context.Background(), x, y, ForestConfig{Trees: 50, Seed: 42})
		require.NoError(t, err)
		assert.Len(t, forest.Trees, 50)
		assert.GreaterOrEqual(t, forest.Fidelity(x, y), 0.95)
		assert.NoError(t, forest.Validate(3))
		assert.Error(t, forest.Validate(4))
	})

	t.Run("Deterministic", func(t *testing.T) {
		a, err := FitForest(context.Background(), x, y, ForestConfig{Trees: 10, Seed: 42})
		require.NoError(t, err)
		b, err := FitForest(context.Background(), x, y, ForestConfig{Trees: 10, Seed: 42})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("MaxDepth", func(t *testing.T) {
		forest, err := FitForest(context.Background(), x, y, ForestConfig{Trees: 5, MaxDepth: 1, Seed: 42})
		require.NoError(t, err)
		for _, tree := range forest.Trees {
			assert.LessOrEqual(t, len(tree.Nodes), 3)
		}
	})

	t.Run("SingleClass", func(t *testing.T) {
		forest, err := FitForest(context.Background(), x, make([]int, 150), ForestConfig{Trees: 3, Seed: 1})
		require.NoError(t, err)
		for _, tree := range forest.Trees {
			assert.Len(t, tree.Nodes, 1)
		}
		assert.Zero(t, forest.Predict(x.RawRowView(0)))
	})

	t.Run("MisalignedTargets", func(t *testing.T) {
		_, err := FitForest(context.Background(), x, []int{1}, ForestConfig{})
		assert.Error(t, err)
	})
}

// fanInData: high inbound volume marks the illicit class.
func fanInData() (*mat.Dense, []int) {
	rng := rand.New(rand.NewSource(5))
	const n = 120
	x := mat.NewDense(n, features.NumColumns, nil)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		agg := domain.NodeAggregate{
			InitialRiskRating: 3,
			OutDegree:         1,
			InDegree:          1,
			TotalAmountOut:    500 + rng.Float64()*1000,
			TotalAmountIn:     500 + rng.Float64()*1000,
		}
		if i%6 == 0 {
			agg.InDegree = 15 + float64(rng.Intn(10))
			agg.TotalAmountIn = agg.InDegree * 30000
			y[i] = 1
		}
		agg.AvgAmountOut = agg.TotalAmountOut / agg.OutDegree
		agg.AvgAmountIn = agg.TotalAmountIn / agg.InDegree
		x.SetRow(i, features.Vector(agg))
	}
	return x, y
}

func TestExplainerContributions(t *testing.T) {
	x, y := fanInData()
	forest, err := FitForest(context.Background(), x, y, ForestConfig{Trees: 50, Seed: 42})
	require.NoError(t, err)
	e := NewExplainer(forest, features.Columns(), 3, 1e-6)

	t.Run("FanInDrivenByInboundFeatures", func(t *testing.T) {
		got := e.Contributions(x.RawRowView(0))
		require.NotEmpty(t, got)
		assert.LessOrEqual(t, len(got), 3)
		inbound := map[string]bool{
			"in_degree": true, "total_amount_in": true, "avg_amount_in": true,
			"transaction_volume": true, "net_flow": true,
		}
		assert.True(t, inbound[got[0].Feature], "top feature %s", got[0].Feature)
		for k := 1; k < len(got); k++ {
			assert.GreaterOrEqual(t, got[k-1].Impact, got[k].Impact)
		}
		for _, c := range got {
			assert.Greater(t, c.Impact, 0.0)
			assert.Equal(t, features.Label(c.Feature), c.Label)
		}
	})

	t.Run("ZeroActivitySentinel", func(t *testing.T) {
		row := features.Vector(domain.NodeAggregate{InitialRiskRating: 5})
		got := e.Contributions(row)
		assert.Equal(t, []domain.FeatureContribution{domain.NoSignificantFactor}, got)
	})

	t.Run("NoPositiveAttributionSentinel", func(t *testing.T) {
		strict := NewExplainer(forest, features.Columns(), 3, math.Inf(1))
		got := strict.Contributions(x.RawRowView(0))
		require.Len(t, got, 1)
		assert.True(t, got[0].IsSentinel())
	})

	t.Run("Idempotent", func(t *testing.T) {
		assert.Equal(t, e.Contributions(x.RawRowView(6)), e.Contributions(x.RawRowView(6)))
	})
}

func TestSummary(t *testing.T) {
	s := Summary(0.873, 1.23456, false, []domain.FeatureContribution{{Feature: "in_degree", Label: "In Degree", Impact: 0.3}})
	assert.Equal(t, "Account flagged with a 87.3% network risk score. The model's decision was primarily driven "+
		"by its abnormal 'In Degree'. Its individual transaction behavior also shows a notable anomaly score of 1.2346.", s)

	s = Summary(0.02, 0.5, false, []domain.FeatureContribution{domain.NoSignificantFactor})
	assert.True(t, strings.Contains(s, "No single feature pushed the decision toward illicit activity"))
	assert.True(t, strings.HasPrefix(s, "Account flagged with a 2.0% network risk score."))

	t.Run("IdleAccount", func(t *testing.T) {
		s := Summary(0.01, 0.2, true, []domain.FeatureContribution{domain.NoSignificantFactor})
		assert.True(t, strings.HasPrefix(s, "Account scored a 1.0% network risk score."))
		assert.Contains(t, s, "no recorded transfers")
		assert.NotContains(t, s, "connections")
		assert.NotContains(t, s, "flagged")
	})
}

func TestIdle(t *testing.T) {
	row := make([]float64, features.NumColumns)
	row[features.ColInitialRiskRating] = 3
	assert.True(t, Idle(row))

	row[features.ColInDegree] = 1
	assert.False(t, Idle(row))
}
