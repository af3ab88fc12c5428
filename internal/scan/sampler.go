package scan

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Sampler reads sensors and averages repeated reads.
type Sampler struct {
	Device   Device
	Parallel bool
}

// Read returns the mean of sampleSize reads for every named sensor. Reads of
// a single sensor are always sequential; with Parallel set, different
// sensors are read concurrently.
func (s *Sampler) Read(ctx context.Context, names []string, sampleSize int) (map[string]float64, error) {
	if sampleSize < 1 {
		sampleSize = 1
	}
	out := make(map[string]float64, len(names))

	if !s.Parallel {
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			mean, err := s.sample(name, sampleSize)
			if err != nil {
				return nil, err
			}
			out[name] = mean
		}
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			mean, err := s.sample(name, sampleSize)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = mean
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sampler) sample(name string, n int) (float64, error) {
	values := make([]float64, n)
	for i := range values {
		v, err := s.Device.Read(name)
		if err != nil {
			return 0, fmt.Errorf("read meter %q: %w", name, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("read meter %q: %w: %g", name, ErrNonFiniteReading, v)
		}
		values[i] = v
	}
	return stat.Mean(values, nil), nil
}
