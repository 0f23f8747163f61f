package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"

	"dnpu/internal/nn"
)

// ModelFile is the on-disk form of a fitted surrogate: the data description
// the model was trained with plus its dense layers.
type ModelFile struct {
	Info   ModelInfo   `json:"info"`
	Layers []LayerSpec `json:"layers"`
}

type ModelInfo struct {
	DataInfo DataInfo `json:"data_info"`
}

type DataInfo struct {
	InputData InputData     `json:"input_data"`
	Processor ProcessorInfo `json:"processor"`
}

// InputData describes the sampled voltage range per electrode: each electrode
// was driven within offset +/- amplitude.
type InputData struct {
	Offset    []float64 `json:"offset"`
	Amplitude []float64 `json:"amplitude"`
}

type ProcessorInfo struct {
	Amplification float64 `json:"amplification"`
}

// LayerSpec holds weights as [out][in].
type LayerSpec struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

type denseLayer struct {
	weights    *mat.Dense
	bias       []float64
	activation nn.Activation
}

// Surrogate is an immutable feed-forward approximation of the device
// response. Its weights are never exposed for training.
type Surrogate struct {
	offset        []float64
	amplitude     []float64
	amplification float64
	layers        []denseLayer
}

func LoadSurrogate(path string) (*Surrogate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file ModelFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode surrogate model %s: %w", path, err)
	}
	return NewSurrogate(file)
}

func NewSurrogate(file ModelFile) (*Surrogate, error) {
	input := file.Info.DataInfo.InputData
	if len(input.Offset) == 0 {
		return nil, errors.New("surrogate info must declare input offsets")
	}
	if len(input.Amplitude) != len(input.Offset) {
		return nil, fmt.Errorf("surrogate amplitude has %d entries, offset has %d", len(input.Amplitude), len(input.Offset))
	}
	if len(file.Layers) == 0 {
		return nil, errors.New("surrogate must have at least one layer")
	}

	amplification := file.Info.DataInfo.Processor.Amplification
	if amplification == 0 {
		amplification = 1
	}

	layers := make([]denseLayer, 0, len(file.Layers))
	in := len(input.Offset)
	for i, spec := range file.Layers {
		out := len(spec.Weights)
		if out == 0 {
			return nil, fmt.Errorf("layer %d: weights are required", i)
		}
		data := make([]float64, 0, out*in)
		for r, row := range spec.Weights {
			if len(row) != in {
				return nil, fmt.Errorf("layer %d row %d: got %d weights, want %d", i, r, len(row), in)
			}
			data = append(data, row...)
		}
		bias := spec.Bias
		if bias == nil {
			bias = make([]float64, out)
		}
		if len(bias) != out {
			return nil, fmt.Errorf("layer %d: got %d biases, want %d", i, len(bias), out)
		}
		name := spec.Activation
		if name == "" {
			name = "identity"
		}
		activation, err := nn.GetActivation(name)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, denseLayer{
			weights:    mat.NewDense(out, in, data),
			bias:       append([]float64(nil), bias...),
			activation: activation,
		})
		in = out
	}

	return &Surrogate{
		offset:        append([]float64(nil), input.Offset...),
		amplitude:     append([]float64(nil), input.Amplitude...),
		amplification: amplification,
		layers:        layers,
	}, nil
}

func (s *Surrogate) ElectrodeCount() int {
	return len(s.offset)
}

func (s *Surrogate) OutputCount() int {
	r, _ := s.layers[len(s.layers)-1].weights.Dims()
	return r
}

func (s *Surrogate) MinVoltage() []float64 {
	out := make([]float64, len(s.offset))
	for i := range out {
		out[i] = s.offset[i] - s.amplitude[i]
	}
	return out
}

func (s *Surrogate) MaxVoltage() []float64 {
	out := make([]float64, len(s.offset))
	for i := range out {
		out[i] = s.offset[i] + s.amplitude[i]
	}
	return out
}

func (s *Surrogate) Evaluate(x *mat.Dense) *mat.Dense {
	out, _ := s.evaluate(x)
	return out
}

// evaluate returns the scaled output and the pre-activation of every layer.
func (s *Surrogate) evaluate(x *mat.Dense) (*mat.Dense, []*mat.Dense) {
	pre := make([]*mat.Dense, len(s.layers))
	h := x
	for l, layer := range s.layers {
		z := new(mat.Dense)
		z.Mul(h, layer.weights.T())
		bias := layer.bias
		z.Apply(func(_, j int, v float64) float64 { return v + bias[j] }, z)
		pre[l] = z

		fn := layer.activation.Func
		a := new(mat.Dense)
		a.Apply(func(_, _ int, v float64) float64 { return fn(v) }, z)
		h = a
	}
	out := new(mat.Dense)
	out.Scale(s.amplification, h)
	return out, pre
}

// InputGradient back-propagates gradOut through the layers down to the
// electrode inputs.
func (s *Surrogate) InputGradient(x, gradOut *mat.Dense) (*mat.Dense, error) {
	_, pre := s.evaluate(x)
	rows, _ := x.Dims()
	gr, gc := gradOut.Dims()
	if gr != rows || gc != s.OutputCount() {
		return nil, fmt.Errorf("output gradient is %dx%d, want %dx%d", gr, gc, rows, s.OutputCount())
	}

	g := new(mat.Dense)
	g.Scale(s.amplification, gradOut)
	for l := len(s.layers) - 1; l >= 0; l-- {
		layer := s.layers[l]
		deriv := layer.activation.Derivative
		z := pre[l]
		g.Apply(func(i, j int, v float64) float64 { return v * deriv(z.At(i, j)) }, g)

		next := new(mat.Dense)
		next.Mul(g, layer.weights)
		g = next
	}
	return g, nil
}
