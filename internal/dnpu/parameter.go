package dnpu

// Parameter is a trainable vector with a gradient buffer of the same length.
// Optimizers update Values in place.
type Parameter struct {
	name   string
	values []float64
	grad   []float64
}

func NewParameter(name string, values []float64) *Parameter {
	return &Parameter{
		name:   name,
		values: append([]float64(nil), values...),
		grad:   make([]float64, len(values)),
	}
}

func (p *Parameter) Name() string {
	return p.name
}

func (p *Parameter) Values() []float64 {
	return p.values
}

func (p *Parameter) Grad() []float64 {
	return p.grad
}

func (p *Parameter) ZeroGrad() {
	for i := range p.grad {
		p.grad[i] = 0
	}
}

func (p *Parameter) AccumulateGrad(grad []float64) {
	for i := range p.grad {
		p.grad[i] += grad[i]
	}
}

// Snapshot returns a detached copy of the current values.
func (p *Parameter) Snapshot() []float64 {
	return append([]float64(nil), p.values...)
}

func (p *Parameter) Len() int {
	return len(p.values)
}
