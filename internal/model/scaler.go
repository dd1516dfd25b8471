// Package model implements the two scoring models: an autoencoder anomaly
// scorer over standardised features and a two-layer graph convolutional
// classifier over the transfer graph.
package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Scaler standardises columns with parameters fit once on the training table.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes population mean and standard deviation per column.
// Constant columns get scale 1.
func FitScaler(x *mat.Dense) (*Scaler, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: cannot fit scaler on an empty table", domain.ErrInvalidInput)
	}
	r, c := x.Dims()
	s := &Scaler{Mean: make([]float64, c), Scale: make([]float64, c)}
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, x)
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 {
			std = 1
		}
		s.Scale[j] = std
	}
	return s, nil
}

// Dim returns the number of columns the scaler was fit on.
func (s *Scaler) Dim() int { return len(s.Mean) }

// Transform returns a standardised copy of x.
func (s *Scaler) Transform(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	}, x)
	return out
}

// TransformRow standardises a single feature vector.
func (s *Scaler) TransformRow(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// Validate checks the scaler is usable for dim columns.
func (s *Scaler) Validate(dim int) error {
	if len(s.Mean) != dim || len(s.Scale) != dim {
		return fmt.Errorf("%w: scaler has %d/%d parameters, want %d",
			domain.ErrInconsistentIndexing, len(s.Mean), len(s.Scale), dim)
	}
	for j, v := range s.Scale {
		if v == 0 {
			return fmt.Errorf("%w: scaler column %d has zero scale", domain.ErrInconsistentIndexing, j)
		}
	}
	return nil
}
