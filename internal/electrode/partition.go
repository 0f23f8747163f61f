// Package electrode splits a device's electrodes into externally driven inputs
// and learned control electrodes, and rebuilds full electrode batches from the
// two halves.
package electrode

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidIndex  = errors.New("invalid electrode index")
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Partition is fixed at construction. InputIndices keeps the caller's order;
// ControlIndices is the ascending complement within [0, ElectrodeCount).
type Partition struct {
	electrodeCount int
	inputIndices   []int
	controlIndices []int
}

func NewPartition(electrodeCount int, inputIndices []int) (Partition, error) {
	if electrodeCount <= 0 {
		return Partition{}, fmt.Errorf("%w: electrode count must be > 0, got %d", ErrInvalidIndex, electrodeCount)
	}
	if len(inputIndices) == 0 {
		return Partition{}, fmt.Errorf("%w: at least one input index is required", ErrInvalidIndex)
	}

	isInput := make([]bool, electrodeCount)
	for _, idx := range inputIndices {
		if idx < 0 || idx >= electrodeCount {
			return Partition{}, fmt.Errorf("%w: %d outside [0, %d)", ErrInvalidIndex, idx, electrodeCount)
		}
		if isInput[idx] {
			return Partition{}, fmt.Errorf("%w: duplicate input index %d", ErrInvalidIndex, idx)
		}
		isInput[idx] = true
	}

	control := make([]int, 0, electrodeCount-len(inputIndices))
	for idx, taken := range isInput {
		if !taken {
			control = append(control, idx)
		}
	}
	if len(control) == 0 {
		return Partition{}, fmt.Errorf("%w: every electrode is an input, no control electrodes left", ErrInvalidIndex)
	}

	return Partition{
		electrodeCount: electrodeCount,
		inputIndices:   append([]int(nil), inputIndices...),
		controlIndices: control,
	}, nil
}

func (p Partition) ElectrodeCount() int {
	return p.electrodeCount
}

func (p Partition) InputIndices() []int {
	return append([]int(nil), p.inputIndices...)
}

func (p Partition) ControlIndices() []int {
	return append([]int(nil), p.controlIndices...)
}

func (p Partition) InputCount() int {
	return len(p.inputIndices)
}

func (p Partition) ControlCount() int {
	return len(p.controlIndices)
}

// Select returns values[i] for every i in indices.
func Select(values []float64, indices []int) []float64 {
	out := make([]float64, len(indices))
	for k, idx := range indices {
		out[k] = values[idx]
	}
	return out
}
