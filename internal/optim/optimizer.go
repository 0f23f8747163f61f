// Package optim holds the gradient-descent optimizers used to train control
// voltages.
package optim

import (
	"fmt"
	"math"
)

// Param is a named value vector with a gradient of the same length. Step
// updates Values in place.
type Param interface {
	Name() string
	Values() []float64
	Grad() []float64
}

type Optimizer interface {
	Step(params []Param, learningRate float64)
	// Reset clears optimizer state (momentum, moment estimates).
	Reset()
	Name() string
}

const (
	NameSGD  = "sgd"
	NameAdam = "adam"
)

func New(name string) (Optimizer, error) {
	switch name {
	case "", NameAdam:
		return NewAdam(), nil
	case NameSGD:
		return NewSGD(0), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer: %s", name)
	}
}

// SGD is plain gradient descent with optional momentum.
type SGD struct {
	momentum   float64
	velocities map[string][]float64
}

func NewSGD(momentum float64) *SGD {
	return &SGD{
		momentum:   momentum,
		velocities: make(map[string][]float64),
	}
}

func (opt *SGD) Step(params []Param, learningRate float64) {
	for _, p := range params {
		values, grad := p.Values(), p.Grad()
		if opt.momentum == 0 {
			for j := range values {
				values[j] -= learningRate * grad[j]
			}
			continue
		}

		velocity := opt.velocities[p.Name()]
		if len(velocity) != len(values) {
			velocity = make([]float64, len(values))
			opt.velocities[p.Name()] = velocity
		}
		// v = momentum * v + grad; w = w - lr * v
		for j := range values {
			velocity[j] = opt.momentum*velocity[j] + grad[j]
			values[j] -= learningRate * velocity[j]
		}
	}
}

func (opt *SGD) Reset() {
	opt.velocities = make(map[string][]float64)
}

func (opt *SGD) Name() string {
	if opt.momentum > 0 {
		return "SGD (momentum)"
	}
	return "SGD"
}

// Adam keeps bias-corrected first and second moment estimates per parameter.
type Adam struct {
	beta1   float64
	beta2   float64
	epsilon float64
	step    int

	m map[string][]float64
	v map[string][]float64
}

func NewAdam() *Adam {
	return NewAdamWithBetas(0.9, 0.999, 1e-8)
}

func NewAdamWithBetas(beta1, beta2, epsilon float64) *Adam {
	return &Adam{
		beta1:   beta1,
		beta2:   beta2,
		epsilon: epsilon,
		m:       make(map[string][]float64),
		v:       make(map[string][]float64),
	}
}

func (opt *Adam) Step(params []Param, learningRate float64) {
	opt.step++
	correction1 := 1 - math.Pow(opt.beta1, float64(opt.step))
	correction2 := 1 - math.Pow(opt.beta2, float64(opt.step))

	for _, p := range params {
		values, grad := p.Values(), p.Grad()
		key := p.Name()
		if len(opt.m[key]) != len(values) {
			opt.m[key] = make([]float64, len(values))
			opt.v[key] = make([]float64, len(values))
		}
		m, v := opt.m[key], opt.v[key]
		for j := range values {
			g := grad[j]
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*g
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*g*g
			mHat := m[j] / correction1
			vHat := v[j] / correction2
			values[j] -= learningRate * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

func (opt *Adam) Reset() {
	opt.step = 0
	opt.m = make(map[string][]float64)
	opt.v = make(map[string][]float64)
}

func (opt *Adam) Name() string {
	return "Adam"
}
