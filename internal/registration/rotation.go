package registration

import (
	"gonum.org/v1/gonum/mat"
)

// AverageRotation returns the chordal L2 mean of the given rotations: the
// element-wise mean projected back onto SO(3) through its SVD.
func AverageRotation(rs [][9]float64) [9]float64 {
	switch len(rs) {
	case 0:
		return identityRotation()
	case 1:
		return rs[0]
	}

	sum := mat.NewDense(3, 3, nil)
	for _, r := range rs {
		sum.Add(sum, mat.NewDense(3, 3, r[:]))
	}
	sum.Scale(1/float64(len(rs)), sum)

	var svd mat.SVD
	if !svd.Factorize(sum, mat.SVDFull) {
		return rs[0]
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var out mat.Dense
	out.Mul(&u, v.T())
	if mat.Det(&out) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		out.Mul(&u, v.T())
	}

	var res [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			res[i*3+j] = out.At(i, j)
		}
	}
	return res
}

func identityRotation() [9]float64 {
	return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
}
