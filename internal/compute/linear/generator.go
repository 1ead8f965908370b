package linear

import (
	"errors"
	"math/rand"
	"sync"
)

// Generator samples noisy batches from a fixed hidden linear target. Each
// call to Next draws a fresh batch, which makes it an unbounded online
// source.
type Generator struct {
	Target    []float64
	BatchSize int
	Noise     float64

	mu   sync.Mutex
	rand *rand.Rand
}

func NewGenerator(target []float64, batchSize int, noise float64, seed int64) (*Generator, error) {
	if len(target) == 0 {
		return nil, errors.New("target must include at least a bias")
	}
	if batchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	if noise < 0 {
		return nil, errors.New("noise must be >= 0")
	}
	return &Generator{
		Target:    append([]float64(nil), target...),
		BatchSize: batchSize,
		Noise:     noise,
		rand:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Next never runs dry.
func (g *Generator) Next() (Batch, bool) {
	return g.Sample(g.BatchSize), true
}

// Sample draws n examples.
func (g *Generator) Sample(n int) Batch {
	g.mu.Lock()
	defer g.mu.Unlock()

	dims := len(g.Target) - 1
	b := Batch{X: make([][]float64, n), Y: make([]float64, n)}
	for i := 0; i < n; i++ {
		x := make([]float64, dims)
		for j := range x {
			x[j] = g.rand.Float64()*2 - 1
		}
		b.X[i] = x
		b.Y[i] = predict(g.Target, x) + g.rand.NormFloat64()*g.Noise
	}
	return b
}
