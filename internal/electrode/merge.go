package electrode

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Merge builds the full electrode batch expected by a processor. Column j of
// inputs lands at InputIndices[j]; control value k is repeated on every row at
// ControlIndices[k].
func Merge(inputs mat.Matrix, control []float64, p Partition) (*mat.Dense, error) {
	if inputs == nil {
		return nil, fmt.Errorf("%w: inputs are required", ErrShapeMismatch)
	}
	rows, cols := inputs.Dims()
	if cols != len(p.inputIndices) {
		return nil, fmt.Errorf("%w: inputs have %d features, want %d", ErrShapeMismatch, cols, len(p.inputIndices))
	}
	if len(control) != len(p.controlIndices) {
		return nil, fmt.Errorf("%w: got %d control values, want %d", ErrShapeMismatch, len(control), len(p.controlIndices))
	}

	full := mat.NewDense(rows, p.electrodeCount, nil)
	for i := 0; i < rows; i++ {
		row := full.RawRowView(i)
		for j, idx := range p.inputIndices {
			row[idx] = inputs.At(i, j)
		}
		for k, idx := range p.controlIndices {
			row[idx] = control[k]
		}
	}
	return full, nil
}

// GatherControl sums the control columns of a full-electrode gradient over the
// batch, which is the gradient of the broadcast control values.
func GatherControl(gradFull mat.Matrix, p Partition) ([]float64, error) {
	rows, cols := gradFull.Dims()
	if cols != p.electrodeCount {
		return nil, fmt.Errorf("%w: gradient has %d electrodes, want %d", ErrShapeMismatch, cols, p.electrodeCount)
	}
	out := make([]float64, len(p.controlIndices))
	for i := 0; i < rows; i++ {
		for k, idx := range p.controlIndices {
			out[k] += gradFull.At(i, idx)
		}
	}
	return out, nil
}
