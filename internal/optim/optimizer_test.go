package optim

import (
	"math"
	"testing"
)

type vecParam struct {
	name   string
	values []float64
	grad   []float64
}

func (p *vecParam) Name() string      { return p.name }
func (p *vecParam) Values() []float64 { return p.values }
func (p *vecParam) Grad() []float64   { return p.grad }

// quadratic sets the gradient of sum((x - target)^2).
func (p *vecParam) quadratic(target []float64) {
	for i := range p.values {
		p.grad[i] = 2 * (p.values[i] - target[i])
	}
}

func TestSGDStep(t *testing.T) {
	p := &vecParam{name: "w", values: []float64{1, -1}, grad: []float64{0.5, -2}}
	NewSGD(0).Step([]Param{p}, 0.1)
	if math.Abs(p.values[0]-0.95) > 1e-12 || math.Abs(p.values[1]-(-0.8)) > 1e-12 {
		t.Fatalf("unexpected sgd update: %v", p.values)
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	opt := NewSGD(0.9)
	p := &vecParam{name: "w", values: []float64{0}, grad: []float64{1}}
	opt.Step([]Param{p}, 0.1)
	opt.Step([]Param{p}, 0.1)
	// v1 = 1, v2 = 1.9
	if math.Abs(p.values[0]-(-0.29)) > 1e-12 {
		t.Fatalf("unexpected momentum update: %v", p.values)
	}
	opt.Reset()
	opt.Step([]Param{p}, 0.1)
	if math.Abs(p.values[0]-(-0.39)) > 1e-12 {
		t.Fatalf("expected reset to clear velocity, got %v", p.values)
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	p := &vecParam{name: "w", values: []float64{0, 0}, grad: []float64{3, -0.01}}
	NewAdam().Step([]Param{p}, 0.01)
	// bias correction makes the first step lr * sign(grad).
	if math.Abs(p.values[0]+0.01) > 1e-6 || math.Abs(p.values[1]-0.01) > 1e-6 {
		t.Fatalf("unexpected first adam step: %v", p.values)
	}
}

func TestOptimizersMinimizeQuadratic(t *testing.T) {
	target := []float64{0.3, -0.7, 0.5}
	for _, opt := range []Optimizer{NewSGD(0), NewSGD(0.5), NewAdam()} {
		p := &vecParam{name: "w", values: []float64{-1, 1, 0}, grad: make([]float64, 3)}
		lr := 0.05
		for i := 0; i < 2000; i++ {
			p.quadratic(target)
			opt.Step([]Param{p}, lr)
		}
		for i := range target {
			if math.Abs(p.values[i]-target[i]) > 1e-2 {
				t.Fatalf("%s did not converge: %v", opt.Name(), p.values)
			}
		}
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", NameAdam, NameSGD} {
		if _, err := New(name); err != nil {
			t.Fatalf("new %q: %v", name, err)
		}
	}
	if _, err := New("lbfgs"); err == nil {
		t.Fatal("expected unsupported optimizer error")
	}
}
