package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// AutoencoderConfig holds training hyperparameters.
type AutoencoderConfig struct {
	Hidden       int
	Bottleneck   int
	Epochs       int
	LearningRate float64
	Seed         int64
}

func (c AutoencoderConfig) withDefaults() AutoencoderConfig {
	if c.Hidden <= 0 {
		c.Hidden = 6
	}
	if c.Bottleneck <= 0 {
		c.Bottleneck = 3
	}
	if c.Epochs <= 0 {
		c.Epochs = 200
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 1e-3
	}
	return c
}

// Autoencoder reconstructs standardised feature vectors through a narrow
// bottleneck: in -> hidden -> ReLU -> bottleneck -> hidden -> ReLU -> in.
// The anomaly score of a vector is its mean squared reconstruction error.
type Autoencoder struct {
	enc1, enc2, dec1, dec2 *linear
}

type aeForward struct {
	z1, h1, code, z3, h3, out *mat.Dense
}

func (a *Autoencoder) forward(x mat.Matrix) aeForward {
	var f aeForward
	f.z1 = a.enc1.forward(x)
	f.h1 = relu(f.z1)
	f.code = a.enc2.forward(f.h1)
	f.z3 = a.dec1.forward(f.code)
	f.h3 = relu(f.z3)
	f.out = a.dec2.forward(f.h3)
	return f
}

func (a *Autoencoder) layers() []*linear {
	return []*linear{a.enc1, a.enc2, a.dec1, a.dec2}
}

func (a *Autoencoder) params() [][]float64 {
	var out [][]float64
	for _, l := range a.layers() {
		out = append(out, l.params()...)
	}
	return out
}

// TrainAutoencoder fits an autoencoder on x (already standardised) with
// full-batch Adam on the MSE reconstruction loss. No labels are used.
func TrainAutoencoder(ctx context.Context, x *mat.Dense, cfg AutoencoderConfig) (*Autoencoder, float64, error) {
	if x == nil {
		return nil, 0, fmt.Errorf("%w: cannot train autoencoder on an empty table", domain.ErrInvalidInput)
	}
	cfg = cfg.withDefaults()
	_, d := x.Dims()
	rng := rand.New(rand.NewSource(cfg.Seed))

	a := &Autoencoder{
		enc1: newLinear(d, cfg.Hidden, 1/math.Sqrt(float64(d)), true, rng),
		enc2: newLinear(cfg.Hidden, cfg.Bottleneck, 1/math.Sqrt(float64(cfg.Hidden)), true, rng),
		dec1: newLinear(cfg.Bottleneck, cfg.Hidden, 1/math.Sqrt(float64(cfg.Bottleneck)), true, rng),
		dec2: newLinear(cfg.Hidden, d, 1/math.Sqrt(float64(cfg.Hidden)), true, rng),
	}
	opt := newAdam(cfg.LearningRate, a.params())

	var loss float64
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		var grads [][]float64
		loss, grads = a.lossAndGrads(x)
		opt.step(a.params(), grads)

		if (epoch+1)%50 == 0 {
			slog.Debug("autoencoder training", "epoch", epoch+1, "epochs", cfg.Epochs, "loss", loss)
		}
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, 0, fmt.Errorf("autoencoder training diverged: loss %v", loss)
	}
	return a, loss, nil
}

// lossAndGrads runs one forward and backward pass of the mean squared
// reconstruction error. Gradients are returned in params() order.
func (a *Autoencoder) lossAndGrads(x *mat.Dense) (float64, [][]float64) {
	n, d := x.Dims()
	f := a.forward(x)

	dOut := mat.NewDense(n, d, nil)
	dOut.Sub(f.out, x)
	frob := mat.Norm(dOut, 2)
	loss := frob * frob / float64(n*d)
	dOut.Scale(2/float64(n*d), dOut)

	dw4, db4 := a.dec2.grads(f.h3, dOut)
	dh3 := a.dec2.backInput(dOut)
	reluBack(dh3, f.z3)

	dw3, db3 := a.dec1.grads(f.code, dh3)
	dcode := a.dec1.backInput(dh3)

	dw2, db2 := a.enc2.grads(f.h1, dcode)
	dh1 := a.enc2.backInput(dcode)
	reluBack(dh1, f.z1)

	dw1, db1 := a.enc1.grads(x, dh1)

	return loss, [][]float64{
		dw1.RawMatrix().Data, db1,
		dw2.RawMatrix().Data, db2,
		dw3.RawMatrix().Data, db3,
		dw4.RawMatrix().Data, db4,
	}
}

// InputDim returns the feature dimension the model reconstructs.
func (a *Autoencoder) InputDim() int {
	in, _ := a.enc1.dims()
	return in
}

// Scores returns the reconstruction error of every row of x.
func (a *Autoencoder) Scores(x *mat.Dense) []float64 {
	n, d := x.Dims()
	out := a.forward(x).out
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		rec := out.RawRowView(i)
		for j := 0; j < d; j++ {
			diff := rec[j] - x.At(i, j)
			sum += diff * diff
		}
		scores[i] = sum / float64(d)
	}
	return scores
}

// Score returns the reconstruction error of one standardised vector.
func (a *Autoencoder) Score(row []float64) float64 {
	x := mat.NewDense(1, len(row), append([]float64(nil), row...))
	return a.Scores(x)[0]
}

type autoencoderJSON struct {
	Encoder []*linear `json:"encoder"`
	Decoder []*linear `json:"decoder"`
}

// MarshalJSON encodes the weights.
func (a *Autoencoder) MarshalJSON() ([]byte, error) {
	return json.Marshal(autoencoderJSON{
		Encoder: []*linear{a.enc1, a.enc2},
		Decoder: []*linear{a.dec1, a.dec2},
	})
}

// UnmarshalJSON decodes weights and checks the layer shapes chain.
func (a *Autoencoder) UnmarshalJSON(data []byte) error {
	var v autoencoderJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if len(v.Encoder) != 2 || len(v.Decoder) != 2 {
		return fmt.Errorf("%w: autoencoder needs 2 encoder and 2 decoder layers", domain.ErrInconsistentIndexing)
	}
	a.enc1, a.enc2, a.dec1, a.dec2 = v.Encoder[0], v.Encoder[1], v.Decoder[0], v.Decoder[1]

	layers := a.layers()
	for i := 1; i < len(layers); i++ {
		_, prevOut := layers[i-1].dims()
		in, _ := layers[i].dims()
		if prevOut != in {
			return fmt.Errorf("%w: autoencoder layer %d expects %d inputs, previous emits %d",
				domain.ErrInconsistentIndexing, i, in, prevOut)
		}
	}
	if _, out := a.dec2.dims(); out != a.InputDim() {
		return fmt.Errorf("%w: autoencoder reconstructs %d columns from %d",
			domain.ErrInconsistentIndexing, out, a.InputDim())
	}
	return nil
}
