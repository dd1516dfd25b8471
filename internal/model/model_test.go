package model

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomMatrix(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

// checkGradients compares analytical gradients against central differences.
func checkGradients(t *testing.T, params [][]float64, loss func() (float64, [][]float64)) {
	t.Helper()
	_, grads := loss()
	const eps = 1e-6
	for k, p := range params {
		for i := range p {
			orig := p[i]
			p[i] = orig + eps
			up, _ := loss()
			p[i] = orig - eps
			down, _ := loss()
			p[i] = orig

			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, grads[k][i], 1e-5+1e-3*math.Abs(numeric),
				"param %d[%d]", k, i)
		}
	}
}

func TestScaler(t *testing.T) {
	x := mat.NewDense(4, 3, []float64{
		1, 10, 5,
		2, 20, 5,
		3, 30, 5,
		4, 40, 5,
	})
	s, err := FitScaler(x)
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{2.5, 25, 5}, s.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(1.25), s.Scale[0], 1e-12, "population std")
	assert.Equal(t, 1.0, s.Scale[2], "constant column keeps scale 1")

	z := s.Transform(x)
	col := mat.Col(nil, 0, z)
	var mean float64
	for _, v := range col {
		mean += v
	}
	assert.InDelta(t, 0, mean/4, 1e-12)
	assert.Equal(t, 0.0, z.At(0, 2))

	assert.InDeltaSlice(t, mat.Row(nil, 1, z), s.TransformRow([]float64{2, 20, 5}), 1e-12)
	assert.NoError(t, s.Validate(3))
	assert.Error(t, s.Validate(4))
}

func TestGraphNormalisation(t *testing.T) {
	// 0 -> 1, 1 -> 0 (parallel), 1 -> 2, 3 isolated, 2 -> 2 self transfer
	g, err := NewGraph(4, [][2]int{{0, 1}, {1, 0}, {1, 2}, {2, 2}})
	require.NoError(t, err)

	h := mat.NewDense(4, 1, []float64{1, 1, 1, 1})
	out := g.Propagate(h)

	// deg (with self loop): 0:2 1:3 2:2 3:1
	assert.InDelta(t, 1.0/2+1/math.Sqrt(6), out.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0/3+2/math.Sqrt(6), out.At(1, 0), 1e-12)
	assert.InDelta(t, 1.0/2+1/math.Sqrt(6), out.At(2, 0), 1e-12)
	assert.InDelta(t, 1.0, out.At(3, 0), 1e-12, "isolated node keeps its own signal")

	_, err = NewGraph(2, [][2]int{{0, 5}})
	assert.Error(t, err)
}

func TestCompress(t *testing.T) {
	x := mat.NewDense(1, 3, []float64{-math.E + 1, 0, math.E - 1})
	c := Compress(x)
	assert.InDeltaSlice(t, []float64{-1, 0, 1}, mat.Row(nil, 0, c), 1e-12)
}

func TestClassWeights(t *testing.T) {
	w := ClassWeights([]int{0, 0, 0, 1})
	assert.InDelta(t, 4.0/6, w[0], 1e-12)
	assert.InDelta(t, 2.0, w[1], 1e-12)

	w = ClassWeights([]int{0, 0})
	assert.Equal(t, 0.0, w[1])
}

func TestTargets(t *testing.T) {
	labels := []int{0, 0, 0, 1, 1}

	t.Run("HardWithoutInvolvement", func(t *testing.T) {
		target, weight := Targets(labels, nil)
		assert.Equal(t, []float64{0, 0, 0, 1, 1}, target)
		assert.InDeltaSlice(t, []float64{5.0 / 6, 5.0 / 6, 5.0 / 6, 2.5, 2.5}, weight, 1e-12)
	})

	t.Run("GradedByInvolvement", func(t *testing.T) {
		target, weight := Targets(labels, []int{0, 0, 0, 1, 9})
		assert.Equal(t, 0.0, target[0])
		assert.InDelta(t, 0.75, target[3], 1e-12)
		assert.InDelta(t, 0.95, target[4], 1e-12)
		assert.Greater(t, target[3], 0.5, "single-transfer accounts stay on the illicit side")

		// class totals are unchanged, the busier account takes more of them
		assert.InDelta(t, 2.5, weight[0]+weight[1]+weight[2], 1e-12)
		assert.InDelta(t, 5.0, weight[3]+weight[4], 1e-12)
		assert.InDelta(t, 5.0*2/12, weight[3], 1e-12)
		assert.InDelta(t, 5.0*10/12, weight[4], 1e-12)
	})

	t.Run("ZeroInvolvementCountsAsOne", func(t *testing.T) {
		target, _ := Targets([]int{1}, []int{0})
		assert.InDelta(t, 0.75, target[0], 1e-12)
	})
}

func TestGCNGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g, err := NewGraph(5, [][2]int{{0, 1}, {1, 2}, {3, 2}})
	require.NoError(t, err)
	x := randomMatrix(rng, 5, 3)
	labels := []int{1, 0, 0, 1, 0}

	m := &GCN{
		conv1: newLinear(3, 4, 0.8, true, rng),
		conv2: newLinear(4, numClasses, 0.8, true, rng),
	}
	target, weight := Targets(labels, []int{3, 0, 0, 1, 0})
	var total float64
	for _, w := range weight {
		total += w
	}
	s1 := g.Propagate(x)

	checkGradients(t, m.params(), func() (float64, [][]float64) {
		return m.lossAndGrads(s1, g, target, weight, total)
	})
}

func TestAutoencoderGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := randomMatrix(rng, 6, 4)
	a := &Autoencoder{
		enc1: newLinear(4, 3, 0.7, true, rng),
		enc2: newLinear(3, 2, 0.7, true, rng),
		dec1: newLinear(2, 3, 0.7, true, rng),
		dec2: newLinear(3, 4, 0.7, true, rng),
	}
	checkGradients(t, a.params(), func() (float64, [][]float64) {
		return a.lossAndGrads(x)
	})
}

func TestTrainAutoencoder(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomMatrix(rng, 64, 9)
	cfg := AutoencoderConfig{Epochs: 300, Seed: 42}

	a, loss, err := TrainAutoencoder(context.Background(), x, cfg)
	require.NoError(t, err)
	assert.Equal(t, 9, a.InputDim())

	first, _, err := TrainAutoencoder(context.Background(), x, AutoencoderConfig{Epochs: 1, Seed: 42})
	require.NoError(t, err)
	firstLoss, _ := first.lossAndGrads(x)
	assert.Less(t, loss, firstLoss, "training must reduce reconstruction error")

	t.Run("Deterministic", func(t *testing.T) {
		b, _, err := TrainAutoencoder(context.Background(), x, cfg)
		require.NoError(t, err)
		assert.Equal(t, a.Scores(x), b.Scores(x))
	})

	t.Run("ZeroVectorScores", func(t *testing.T) {
		score := a.Score(make([]float64, 9))
		assert.False(t, math.IsNaN(score))
		assert.GreaterOrEqual(t, score, 0.0)
	})

	t.Run("PersistedWeightsScoreIdentically", func(t *testing.T) {
		data, err := json.Marshal(a)
		require.NoError(t, err)
		var restored Autoencoder
		require.NoError(t, json.Unmarshal(data, &restored))
		assert.Equal(t, a.Scores(x), restored.Scores(x))
	})

	t.Run("RejectsBrokenShapes", func(t *testing.T) {
		var broken Autoencoder
		err := json.Unmarshal([]byte(`{"encoder":[{"in":2,"out":1,"weight":[1,1],"bias":[0]}],"decoder":[]}`), &broken)
		assert.Error(t, err)
	})
}

func TestTrainGCNSeparatesClasses(t *testing.T) {
	// Two components: a star of large transfers (illicit) and chains of small ones.
	const n = 30
	x := mat.NewDense(n, 2, nil)
	labels := make([]int, n)
	var edges [][2]int
	for i := 0; i < 10; i++ {
		x.Set(i, 0, 30000)
		labels[i] = 1
		if i > 0 {
			edges = append(edges, [2]int{i, 0})
		}
	}
	for i := 10; i < n; i++ {
		x.Set(i, 0, 100+float64(i))
		if i%2 == 1 {
			edges = append(edges, [2]int{i - 1, i})
		}
	}
	g, err := NewGraph(n, edges)
	require.NoError(t, err)

	m, _, err := TrainGCN(context.Background(), x, g, labels, nil, GCNConfig{Seed: 42, Epochs: 400})
	require.NoError(t, err)

	p, err := m.Predict(x, g)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		row := p.RawRowView(i)
		assert.InDelta(t, 1.0, row[0]+row[1], 1e-6)
		assert.GreaterOrEqual(t, row[1], 0.0)
		assert.LessOrEqual(t, row[1], 1.0)
	}

	scores, err := m.RiskScores(x, g)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Greater(t, scores[i], 0.5, "illicit node %d", i)
	}
	for i := 10; i < n; i++ {
		assert.Less(t, scores[i], 0.5, "benign node %d", i)
	}

	t.Run("PersistedWeightsPredictIdentically", func(t *testing.T) {
		data, err := json.Marshal(m)
		require.NoError(t, err)
		var restored GCN
		require.NoError(t, json.Unmarshal(data, &restored))
		again, err := restored.RiskScores(x, g)
		require.NoError(t, err)
		assert.Equal(t, scores, again)
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		_, err := m.Predict(mat.NewDense(n, 3, nil), g)
		assert.Error(t, err)
	})
}

func TestTrainGCNRejectsMisalignedLabels(t *testing.T) {
	g, _ := NewGraph(3, nil)
	_, _, err := TrainGCN(context.Background(), mat.NewDense(3, 2, nil), g, []int{0, 1}, nil, GCNConfig{})
	assert.Error(t, err)

	_, _, err = TrainGCN(context.Background(), mat.NewDense(3, 2, nil), g, []int{0, 1, 0}, []int{1}, GCNConfig{})
	assert.Error(t, err)
}
