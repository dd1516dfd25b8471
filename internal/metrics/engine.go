// Package metrics evaluates benchmarked account metrics defined as CEL
// expressions over the feature columns.
package metrics

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
)

// Definition describes one metric shown next to an explanation.
type Definition struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Expression string  `json:"expression"`
	Benchmark  float64 `json:"benchmark"`
	Definition string  `json:"definition"`
}

// CompiledMetric holds a pre-compiled CEL program.
type CompiledMetric struct {
	Def     Definition
	Program cel.Program
}

// Engine compiles metric definitions once and evaluates them per account.
type Engine struct {
	mu      sync.RWMutex
	env     *cel.Env
	columns []string
	metrics []*CompiledMetric
}

// NewEngine creates an engine whose CEL environment declares one double
// variable per feature column.
func NewEngine() (*Engine, error) {
	columns := features.Columns()
	opts := make([]cel.EnvOption, 0, len(columns))
	for _, c := range columns {
		opts = append(opts, cel.Variable(c, cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env, columns: columns}, nil
}

// NewDefaultEngine creates an engine loaded with the built-in metrics.
func NewDefaultEngine() (*Engine, error) {
	e, err := NewEngine()
	if err != nil {
		return nil, err
	}
	if err := e.Load(Builtin()); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate compiles a definition without loading it.
func (e *Engine) Validate(def Definition) error {
	_, err := e.compile(def)
	return err
}

// Load replaces the loaded metrics. Nothing changes if any definition fails
// to compile.
func (e *Engine) Load(defs []Definition) error {
	compiled := make([]*CompiledMetric, 0, len(defs))
	for _, def := range defs {
		m, err := e.compile(def)
		if err != nil {
			return err
		}
		compiled = append(compiled, m)
	}

	e.mu.Lock()
	e.metrics = compiled
	e.mu.Unlock()
	return nil
}

// Count returns the number of loaded metrics.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.metrics)
}

// Evaluate computes every loaded metric for one raw feature row, in load
// order. A metric that fails to evaluate reports 0.
func (e *Engine) Evaluate(row []float64) ([]domain.Metric, error) {
	if len(row) != len(e.columns) {
		return nil, fmt.Errorf("%w: metric row has %d values, want %d",
			domain.ErrInconsistentIndexing, len(row), len(e.columns))
	}

	activation := make(map[string]any, len(e.columns))
	for i, c := range e.columns {
		activation[c] = row[i]
	}

	e.mu.RLock()
	loaded := e.metrics
	e.mu.RUnlock()

	out := make([]domain.Metric, 0, len(loaded))
	for _, m := range loaded {
		value := 0.0
		if val, _, err := m.Program.Eval(activation); err == nil {
			value = toValue(val)
		}
		out = append(out, domain.Metric{
			Name:       m.Def.Name,
			Value:      value,
			Benchmark:  m.Def.Benchmark,
			Definition: m.Def.Definition,
			Exceeds:    value > m.Def.Benchmark,
		})
	}
	return out, nil
}

func (e *Engine) compile(def Definition) (*CompiledMetric, error) {
	ast, issues := e.env.Compile(def.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile metric %s: %w", def.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("metric %s: expression must return int or double, got %s", def.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for metric %s: %w", def.ID, err)
	}
	return &CompiledMetric{Def: def, Program: program}, nil
}

func toValue(val ref.Val) float64 {
	var f float64
	switch v := val.(type) {
	case types.Double:
		f = float64(v)
	case types.Int:
		f = float64(v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
