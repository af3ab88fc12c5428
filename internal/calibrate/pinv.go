package calibrate

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// TruncatedPinv returns the Moore-Penrose pseudo-inverse of a built from at
// most rank singular values (rank <= 0 keeps them all). Singular values at or
// below rcond times the largest are dropped as well. The number of singular
// values actually used is returned alongside.
func TruncatedPinv(a mat.Matrix, rank int, rcond float64) (*mat.Dense, int, error) {
	r, c := a.Dims()
	if r == 0 || c == 0 {
		return nil, 0, errors.New("pseudo-inverse of an empty matrix")
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, 0, errors.New("singular value decomposition failed to converge")
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	k := len(s)
	if rank > 0 && rank < k {
		k = rank
	}
	cutoff := rcond * s[0]

	pinv := mat.NewDense(c, r, nil)
	kept := 0
	for i := 0; i < k; i++ {
		// singular values are sorted in descending order
		if s[i] == 0 || s[i] <= cutoff {
			break
		}
		var term mat.Dense
		term.Outer(1/s[i], v.ColView(i), u.ColView(i))
		pinv.Add(pinv, &term)
		kept++
	}
	return pinv, kept, nil
}

func toRows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		for j := range rows[i] {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}
