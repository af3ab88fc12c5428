package optimize

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// gaussianProcess is a zero-mean GP regressor with a squared-exponential
// kernel over points scaled to the unit cube. Observations are standardised
// before fitting.
type gaussianProcess struct {
	lengthScale float64
	noise       float64

	x     [][]float64
	alpha *mat.VecDense
	chol  mat.Cholesky
	mean  float64
	scale float64
}

func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{lengthScale: 0.3, noise: 1e-6}
}

func (gp *gaussianProcess) kernel(a, b []float64) float64 {
	var d2 float64
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	return math.Exp(-d2 / (2 * gp.lengthScale * gp.lengthScale))
}

// fit conditions the process on the observations. The diagonal jitter is
// raised until the kernel matrix factorises.
func (gp *gaussianProcess) fit(x [][]float64, y []float64) error {
	n := len(x)
	if n == 0 || n != len(y) {
		return errors.New("gaussian process needs matching, non-empty observations")
	}
	gp.x = x
	gp.mean, gp.scale = stat.MeanStdDev(y, nil)
	if n < 2 || gp.scale == 0 || math.IsNaN(gp.scale) {
		gp.scale = 1
	}
	ys := mat.NewVecDense(n, nil)
	for i, v := range y {
		ys.SetVec(i, (v-gp.mean)/gp.scale)
	}

	jitter := gp.noise
	for try := 0; try < 8; try++ {
		k := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v := gp.kernel(x[i], x[j])
				if i == j {
					v += jitter
				}
				k.SetSym(i, j, v)
			}
		}
		if gp.chol.Factorize(k) {
			gp.alpha = mat.NewVecDense(n, nil)
			return gp.chol.SolveVecTo(gp.alpha, ys)
		}
		jitter *= 10
	}
	return errors.New("kernel matrix is not positive definite")
}

// predict returns the posterior mean and standard deviation at p in the
// original objective units.
func (gp *gaussianProcess) predict(p []float64) (mu, sd float64) {
	n := len(gp.x)
	ks := mat.NewVecDense(n, nil)
	for i, xi := range gp.x {
		ks.SetVec(i, gp.kernel(p, xi))
	}
	mu = mat.Dot(ks, gp.alpha)

	var w mat.VecDense
	variance := 1.0
	if err := gp.chol.SolveVecTo(&w, ks); err == nil {
		variance -= mat.Dot(ks, &w)
	}
	if variance < 1e-12 {
		variance = 1e-12
	}
	return gp.mean + mu*gp.scale, math.Sqrt(variance) * gp.scale
}

// expectedImprovement is the expected amount by which a point with posterior
// N(mu, sd^2) improves on best when minimising, less the exploration margin xi.
func expectedImprovement(mu, sd, best, xi float64) float64 {
	if sd <= 0 {
		return math.Max(best-mu-xi, 0)
	}
	imp := best - mu - xi
	z := imp / sd
	return imp*distuv.UnitNormal.CDF(z) + sd*distuv.UnitNormal.Prob(z)
}
