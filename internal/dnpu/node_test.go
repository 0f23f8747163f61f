package dnpu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"dnpu/internal/processor"
)

// recordingBackend captures the last full electrode batch and counts resets.
type recordingBackend struct {
	min, max []float64
	lastFull *mat.Dense
	resets   int
	resetErr error
}

func (b *recordingBackend) ElectrodeCount() int   { return len(b.min) }
func (b *recordingBackend) MinVoltage() []float64 { return append([]float64(nil), b.min...) }
func (b *recordingBackend) MaxVoltage() []float64 { return append([]float64(nil), b.max...) }

func (b *recordingBackend) Forward(_ context.Context, full *mat.Dense) (*mat.Dense, error) {
	b.lastFull = mat.DenseCopyOf(full)
	rows, _ := full.Dims()
	out := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		out.Set(i, 0, mat.Sum(full.RowView(i)))
	}
	return out, nil
}

func (b *recordingBackend) Reset(context.Context) error {
	b.resets++
	return b.resetErr
}

func symmetricBackend(count int) *recordingBackend {
	b := &recordingBackend{min: make([]float64, count), max: make([]float64, count)}
	for i := 0; i < count; i++ {
		b.min[i] = -1
		b.max[i] = 1
	}
	return b
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func factor(v float64) *float64 { return &v }

func newTestNode(t *testing.T, backend processor.Backend, inputs []int) *Node {
	t.Helper()
	node, err := New(Config{InputIndices: inputs, RegularisationFactor: factor(1)},
		WithBackend(backend), WithRand(rand.New(rand.NewSource(1))), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func TestNewUnsupportedPlatform(t *testing.T) {
	_, err := New(Config{Processor: processor.Config{Platform: "quantum"}, InputIndices: []int{0}}, WithLogger(quietLogger()))
	if !errors.Is(err, processor.ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
}

func TestNewRejectsNonNegativeControlMinimum(t *testing.T) {
	backend := &recordingBackend{
		min: []float64{-1, 0, 0.1, 0.2, -1},
		max: []float64{1, 1, 1, 1, 1},
	}
	_, err := New(Config{InputIndices: []int{0, 4}}, WithBackend(backend), WithLogger(quietLogger()))
	if !errors.Is(err, ErrInvalidVoltageRange) {
		t.Fatalf("expected ErrInvalidVoltageRange, got %v", err)
	}
}

func TestNewRejectsNonPositiveControlMaximum(t *testing.T) {
	backend := &recordingBackend{
		min: []float64{-1, -1, -1, -1, -1},
		max: []float64{1, -0.1, 0, -0.5, 1},
	}
	_, err := New(Config{InputIndices: []int{0, 4}}, WithBackend(backend), WithLogger(quietLogger()))
	if !errors.Is(err, ErrInvalidVoltageRange) {
		t.Fatalf("expected ErrInvalidVoltageRange, got %v", err)
	}
}

func TestNewRejectsInvertedControlRange(t *testing.T) {
	backend := &recordingBackend{
		min: []float64{-1, -1, 0.5, -1},
		max: []float64{1, 1, 0.2, 1},
	}
	_, err := New(Config{InputIndices: []int{0}}, WithBackend(backend), WithLogger(quietLogger()))
	if !errors.Is(err, ErrInvalidVoltageRange) {
		t.Fatalf("expected ErrInvalidVoltageRange, got %v", err)
	}
}

func TestNewRejectsNegativeRegularisationFactor(t *testing.T) {
	_, err := New(Config{InputIndices: []int{0, 4}, RegularisationFactor: factor(-0.5)},
		WithBackend(symmetricBackend(5)), WithLogger(quietLogger()))
	if err == nil {
		t.Fatal("expected negative regularisation factor error")
	}
}

func TestNewDefaultsAlphaWithWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	node, err := New(Config{InputIndices: []int{0, 4}}, WithBackend(symmetricBackend(5)), WithLogger(logger))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if node.Alpha() != DefaultRegularisationFactor {
		t.Fatalf("expected default alpha, got %f", node.Alpha())
	}
	logged := buf.String()
	if !strings.Contains(logged, "level=WARN") || !strings.Contains(logged, "regularisation factor not set") {
		t.Fatalf("expected warning diagnostic, got %q", logged)
	}

	buf.Reset()
	node, err = New(Config{InputIndices: []int{0, 4}, RegularisationFactor: factor(0.25)},
		WithBackend(symmetricBackend(5)), WithLogger(logger))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if node.Alpha() != 0.25 {
		t.Fatalf("expected configured alpha, got %f", node.Alpha())
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no diagnostic with explicit factor, got %q", buf.String())
	}
}

func TestNewPartitionsAndInitializesBiasWithinBounds(t *testing.T) {
	backend := &recordingBackend{
		min: []float64{-1.2, -1.2, -0.7, -0.7, -1.2},
		max: []float64{0.6, 0.6, 0.3, 0.3, 0.6},
	}
	node := newTestNode(t, backend, []int{0, 4})

	if got := node.Partition().ControlIndices(); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("unexpected control indices: %v", got)
	}
	low, high := node.ControlBounds()
	if !reflect.DeepEqual(low, []float64{-1.2, -0.7, -0.7}) || !reflect.DeepEqual(high, []float64{0.6, 0.3, 0.3}) {
		t.Fatalf("unexpected control bounds: low=%v high=%v", low, high)
	}
	bias := node.ControlVoltages()
	if len(bias) != 3 {
		t.Fatalf("expected one bias per control electrode, got %d", len(bias))
	}
	for k, b := range bias {
		if b < low[k] || b >= high[k] {
			t.Fatalf("bias %d=%f outside [%f, %f)", k, b, low[k], high[k])
		}
	}
	if node.Regularization() != 0 {
		t.Fatalf("expected zero regularization after init, got %f", node.Regularization())
	}
}

func TestParametersExposeOnlyBias(t *testing.T) {
	node := newTestNode(t, symmetricBackend(5), []int{0, 4})
	params := node.Parameters()
	if len(params) != 1 || params[0].Name() != BiasParameterName {
		t.Fatalf("expected only the bias parameter, got %d params", len(params))
	}
}

func TestForwardPlacesInputsAndBias(t *testing.T) {
	backend := symmetricBackend(5)
	node := newTestNode(t, backend, []int{0, 4})
	if err := node.SetControlVoltages([]float64{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("set control voltages: %v", err)
	}

	x := mat.NewDense(4, 2, []float64{
		1, 5,
		2, 6,
		3, 7,
		4, 8,
	})
	out, err := node.Forward(context.Background(), x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if r, c := out.Dims(); r != 4 || c != 1 {
		t.Fatalf("unexpected output shape %dx%d", r, c)
	}
	for i := 0; i < 4; i++ {
		want := []float64{x.At(i, 0), 0.1, 0.2, 0.3, x.At(i, 1)}
		got := mat.Row(nil, i, backend.lastFull)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("row %d: got=%v want=%v", i, got, want)
		}
	}
}

func TestForwardShapeMismatch(t *testing.T) {
	node := newTestNode(t, symmetricBackend(5), []int{0, 4})
	_, err := node.Forward(context.Background(), mat.NewDense(3, 3, nil))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestRegularizationZeroInsideLinearOutside(t *testing.T) {
	node := newTestNode(t, symmetricBackend(5), []int{0, 4})

	inside := [][]float64{{0, 0, 0}, {-0.99, 0.5, 0.99}, {-1, 1, 0}}
	for _, v := range inside {
		if err := node.SetControlVoltages(v); err != nil {
			t.Fatalf("set control voltages: %v", err)
		}
		if got := node.Regularization(); got != 0 {
			t.Fatalf("expected zero penalty for %v, got %f", v, got)
		}
	}

	cases := []struct {
		bias []float64
		want float64
	}{
		{bias: []float64{1.5, 0, 0}, want: 0.5},
		{bias: []float64{-1.25, 0, 0}, want: 0.25},
		{bias: []float64{1.1, -1.2, 2}, want: 0.1 + 0.2 + 1},
		{bias: []float64{1 + 1e-9, 0, 0}, want: 1e-9},
	}
	for _, c := range cases {
		if err := node.SetControlVoltages(c.bias); err != nil {
			t.Fatalf("set control voltages: %v", err)
		}
		got := node.Regularization()
		if got <= 0 || math.Abs(got-c.want) > 1e-12 {
			t.Fatalf("bias=%v: got=%g want=%g", c.bias, got, c.want)
		}
	}
}

func TestRegularizationScalesWithAlpha(t *testing.T) {
	node, err := New(Config{InputIndices: []int{0, 4}, RegularisationFactor: factor(3)},
		WithBackend(symmetricBackend(5)), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := node.SetControlVoltages([]float64{1.5, 0, -2}); err != nil {
		t.Fatalf("set control voltages: %v", err)
	}
	if got := node.Regularization(); math.Abs(got-3*(0.5+1)) > 1e-12 {
		t.Fatalf("unexpected scaled penalty: %f", got)
	}

	node.ZeroGrad()
	node.RegularizationBackward()
	grad := node.Parameters()[0].Grad()
	if !reflect.DeepEqual(grad, []float64{3, 0, -3}) {
		t.Fatalf("unexpected regularization gradient: %v", grad)
	}
}

func TestResetRedrawsWithinBoundsAndResetsBackendOnce(t *testing.T) {
	backend := &recordingBackend{
		min: []float64{-1.2, -1.2, -0.7, 0.1, -1.2},
		max: []float64{0.6, 0.6, 0.3, 0.9, 0.6},
	}
	node := newTestNode(t, backend, []int{0, 4})
	low, high := node.ControlBounds()
	ctx := context.Background()

	for i := 1; i <= 200; i++ {
		if err := node.SetControlVoltages([]float64{5, -5, 5}); err != nil {
			t.Fatalf("set control voltages: %v", err)
		}
		if err := node.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if backend.resets != i {
			t.Fatalf("expected %d backend resets, got %d", i, backend.resets)
		}
		for k, b := range node.ControlVoltages() {
			if b < low[k] || b >= high[k] {
				t.Fatalf("reset %d: bias %d=%f outside [%f, %f)", i, k, b, low[k], high[k])
			}
		}
	}
}

func TestResetPropagatesBackendError(t *testing.T) {
	backend := symmetricBackend(5)
	node := newTestNode(t, backend, []int{0, 4})
	before := node.ControlVoltages()

	backend.resetErr = errors.New("calibration failed")
	if err := node.Reset(context.Background()); !errors.Is(err, backend.resetErr) {
		t.Fatalf("expected backend reset error, got %v", err)
	}
	if !reflect.DeepEqual(before, node.ControlVoltages()) {
		t.Fatal("bias must be untouched when the backend reset fails")
	}
}

func TestControlVoltagesIsSnapshot(t *testing.T) {
	node := newTestNode(t, symmetricBackend(5), []int{0, 4})
	snapshot := node.ControlVoltages()
	original := append([]float64(nil), snapshot...)

	snapshot[0] = 42
	if node.ControlVoltages()[0] == 42 {
		t.Fatal("mutating the snapshot changed the live bias")
	}

	live := node.Parameters()[0].Values()
	live[1] += 0.5
	if snapshot[1] != original[1] {
		t.Fatal("updating the live bias changed an earlier snapshot")
	}
}

func TestBackwardRequiresDifferentiableBackend(t *testing.T) {
	node := newTestNode(t, symmetricBackend(5), []int{0, 4})
	err := node.Backward(context.Background(), mat.NewDense(1, 2, nil), mat.NewDense(1, 1, []float64{1}))
	if !errors.Is(err, ErrNotDifferentiable) {
		t.Fatalf("expected ErrNotDifferentiable, got %v", err)
	}
}

func surrogateBackend(t *testing.T) processor.Backend {
	t.Helper()
	model := processor.ModelFile{
		Info: processor.ModelInfo{DataInfo: processor.DataInfo{
			InputData: processor.InputData{
				Offset:    []float64{0, 0, 0, 0, 0},
				Amplitude: []float64{1, 1, 1, 1, 1},
			},
		}},
		Layers: []processor.LayerSpec{
			{
				Weights: [][]float64{
					{0.4, -0.3, 0.6, 0.2, -0.1},
					{-0.2, 0.5, -0.4, 0.3, 0.6},
				},
				Activation: "tanh",
			},
			{Weights: [][]float64{{1.2, -0.7}}},
		},
	}
	backend, err := processor.New(processor.Config{Platform: processor.PlatformSimulation, Model: &model})
	if err != nil {
		t.Fatalf("new simulation backend: %v", err)
	}
	return backend
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	node := newTestNode(t, surrogateBackend(t), []int{0, 4})
	ctx := context.Background()
	x := mat.NewDense(3, 2, []float64{0.3, -0.2, -0.6, 0.1, 0.5, 0.4})

	// loss = sum(out), so dLoss/dOut is all ones.
	node.ZeroGrad()
	if err := node.Backward(ctx, x, mat.NewDense(3, 1, []float64{1, 1, 1})); err != nil {
		t.Fatalf("backward: %v", err)
	}
	grad := append([]float64(nil), node.Parameters()[0].Grad()...)

	base := node.ControlVoltages()
	const h = 1e-6
	for k := range base {
		plus := append([]float64(nil), base...)
		minus := append([]float64(nil), base...)
		plus[k] += h
		minus[k] -= h

		if err := node.SetControlVoltages(plus); err != nil {
			t.Fatalf("set plus: %v", err)
		}
		outPlus, err := node.Forward(ctx, x)
		if err != nil {
			t.Fatalf("forward plus: %v", err)
		}
		if err := node.SetControlVoltages(minus); err != nil {
			t.Fatalf("set minus: %v", err)
		}
		outMinus, err := node.Forward(ctx, x)
		if err != nil {
			t.Fatalf("forward minus: %v", err)
		}
		numeric := (mat.Sum(outPlus) - mat.Sum(outMinus)) / (2 * h)
		if math.Abs(grad[k]-numeric) > 1e-5 {
			t.Fatalf("bias grad %d: got=%f numeric=%f", k, grad[k], numeric)
		}
	}
}

func TestSetControlVoltagesRejectsWrongLength(t *testing.T) {
	node := newTestNode(t, symmetricBackend(5), []int{0, 4})
	before := node.ControlVoltages()
	if err := node.SetControlVoltages([]float64{0.1}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if !reflect.DeepEqual(node.ControlVoltages(), before) {
		t.Fatalf("control voltages changed on rejected update: %v vs %v", node.ControlVoltages(), before)
	}
}
