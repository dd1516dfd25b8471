package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// linear is a fully connected layer y = xW + b with W stored in x out.
type linear struct {
	w *mat.Dense
	b []float64
}

// newLinear draws weights uniformly from [-bound, bound]. Biases are drawn
// from the same range when initBias is set, else zero.
func newLinear(in, out int, bound float64, initBias bool, rng *rand.Rand) *linear {
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * bound
	}
	b := make([]float64, out)
	if initBias {
		for i := range b {
			b[i] = (2*rng.Float64() - 1) * bound
		}
	}
	return &linear{w: mat.NewDense(in, out, w), b: b}
}

func (l *linear) dims() (in, out int) { return l.w.Dims() }

func (l *linear) forward(x mat.Matrix) *mat.Dense {
	r, _ := x.Dims()
	_, c := l.w.Dims()
	out := mat.NewDense(r, c, nil)
	out.Mul(x, l.w)
	addBias(out, l.b)
	return out
}

// grads returns dW = xᵀ·dOut and db = column sums of dOut.
func (l *linear) grads(x mat.Matrix, dOut *mat.Dense) (*mat.Dense, []float64) {
	in, out := l.w.Dims()
	dw := mat.NewDense(in, out, nil)
	dw.Mul(x.T(), dOut)
	return dw, colSums(dOut)
}

// backInput returns dX = dOut·Wᵀ.
func (l *linear) backInput(dOut *mat.Dense) *mat.Dense {
	r, _ := dOut.Dims()
	in, _ := l.w.Dims()
	dx := mat.NewDense(r, in, nil)
	dx.Mul(dOut, l.w.T())
	return dx
}

func (l *linear) params() [][]float64 {
	return [][]float64{l.w.RawMatrix().Data, l.b}
}

type linearJSON struct {
	In     int       `json:"in"`
	Out    int       `json:"out"`
	Weight []float64 `json:"weight"`
	Bias   []float64 `json:"bias"`
}

func (l *linear) MarshalJSON() ([]byte, error) {
	in, out := l.w.Dims()
	return json.Marshal(linearJSON{In: in, Out: out, Weight: l.w.RawMatrix().Data, Bias: l.b})
}

func (l *linear) UnmarshalJSON(data []byte) error {
	var v linearJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.In <= 0 || v.Out <= 0 || len(v.Weight) != v.In*v.Out || len(v.Bias) != v.Out {
		return fmt.Errorf("%w: linear layer %dx%d has %d weights and %d biases",
			domain.ErrInconsistentIndexing, v.In, v.Out, len(v.Weight), len(v.Bias))
	}
	l.w = mat.NewDense(v.In, v.Out, v.Weight)
	l.b = v.Bias
	return nil
}

func addBias(m *mat.Dense, b []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] += b[j]
		}
	}
}

func colSums(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	for i := 0; i < r; i++ {
		for j, v := range m.RawRowView(i) {
			out[j] += v
		}
	}
	return out
}

func relu(z *mat.Dense) *mat.Dense {
	var h mat.Dense
	h.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, z)
	return &h
}

// reluBack zeroes gradient entries where the pre-activation was not positive.
func reluBack(d, z *mat.Dense) {
	d.Apply(func(i, j int, v float64) float64 {
		if z.At(i, j) > 0 {
			return v
		}
		return 0
	}, d)
}

// softmaxRows returns row-wise softmax probabilities.
func softmaxRows(z *mat.Dense) *mat.Dense {
	r, c := z.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		in := z.RawRowView(i)
		row := out.RawRowView(i)
		hi := in[0]
		for _, v := range in[1:] {
			hi = math.Max(hi, v)
		}
		var sum float64
		for j, v := range in {
			row[j] = math.Exp(v - hi)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
	return out
}

// adam is the Adam optimiser over flat parameter slices updated in place.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  [][]float64
}

func newAdam(lr float64, params [][]float64) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	for _, p := range params {
		a.m = append(a.m, make([]float64, len(p)))
		a.v = append(a.v, make([]float64, len(p)))
	}
	return a
}

func (a *adam) step(params, grads [][]float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for k, p := range params {
		g, m, v := grads[k], a.m[k], a.v[k]
		for i := range p {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*g[i]*g[i]
			p[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.eps)
		}
	}
}

func flatten(ms ...*mat.Dense) [][]float64 {
	out := make([][]float64, len(ms))
	for i, m := range ms {
		out[i] = m.RawMatrix().Data
	}
	return out
}

func finiteMatrix(m *mat.Dense) bool {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
