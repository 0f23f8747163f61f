package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// SyntheticBatch draws rows x inputs values from N(0, scale^2) and pairs every
// row with the same scalar target.
func SyntheticBatch(rng *rand.Rand, rows, inputs int, scale, target float64) (*mat.Dense, *mat.Dense, error) {
	if rows <= 0 || inputs <= 0 {
		return nil, nil, fmt.Errorf("batch must be at least 1x1, got %dx%d", rows, inputs)
	}
	x := mat.NewDense(rows, inputs, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < inputs; j++ {
			x.Set(i, j, scale*rng.NormFloat64())
		}
	}
	y := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		y.Set(i, 0, target)
	}
	return x, y, nil
}

// LoadCSVBatch reads a headerless CSV where the first inputs columns are the
// node inputs and the remaining columns are targets. With targets == false
// every column is an input and the returned target matrix is nil.
func LoadCSVBatch(path string, inputs int, targets bool) (*mat.Dense, *mat.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return ReadCSVBatch(file, inputs, targets)
}

func ReadCSVBatch(r io.Reader, inputs int, targets bool) (*mat.Dense, *mat.Dense, error) {
	if inputs <= 0 {
		return nil, nil, errors.New("input column count must be > 0")
	}
	reader := csv.NewReader(r)
	reader.Comment = '#'
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, errors.New("batch is empty")
	}

	width := len(records[0])
	if width < inputs || (targets && width == inputs) || (!targets && width != inputs) {
		return nil, nil, fmt.Errorf("batch has %d columns, incompatible with %d inputs (targets=%t)", width, inputs, targets)
	}

	xData := make([]float64, 0, len(records)*inputs)
	yData := make([]float64, 0, len(records)*(width-inputs))
	for i, row := range records {
		for j, cell := range row {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d column %d: %w", i+1, j+1, err)
			}
			if j < inputs {
				xData = append(xData, v)
			} else {
				yData = append(yData, v)
			}
		}
	}

	x := mat.NewDense(len(records), inputs, xData)
	if !targets {
		return x, nil, nil
	}
	return x, mat.NewDense(len(records), width-inputs, yData), nil
}
