package training

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MSE returns mean((out-target)^2) over every element and its gradient with
// respect to out.
func MSE(out, target mat.Matrix) (float64, *mat.Dense, error) {
	r, c := out.Dims()
	tr, tc := target.Dims()
	if r != tr || c != tc {
		return 0, nil, fmt.Errorf("target is %dx%d, output is %dx%d", tr, tc, r, c)
	}
	n := float64(r * c)
	grad := mat.NewDense(r, c, nil)
	grad.Sub(out, target)
	loss := 0.0
	for i := 0; i < r; i++ {
		for _, d := range grad.RawRowView(i) {
			loss += d * d
		}
	}
	grad.Scale(2/n, grad)
	return loss / n, grad, nil
}
