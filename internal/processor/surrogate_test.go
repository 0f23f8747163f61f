package processor

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func testModelFile() ModelFile {
	return ModelFile{
		Info: ModelInfo{DataInfo: DataInfo{
			InputData: InputData{
				Offset:    []float64{0, -0.2, -0.2, 0, 0.1},
				Amplitude: []float64{1, 1, 0.8, 1.2, 0.9},
			},
			Processor: ProcessorInfo{Amplification: 2},
		}},
		Layers: []LayerSpec{
			{
				Weights: [][]float64{
					{0.3, -0.2, 0.5, 0.1, -0.4},
					{-0.6, 0.4, 0.2, -0.3, 0.7},
					{0.1, 0.1, -0.5, 0.6, 0.2},
				},
				Bias:       []float64{0.05, -0.1, 0.2},
				Activation: "tanh",
			},
			{
				Weights:    [][]float64{{0.8, -0.5, 0.3}},
				Bias:       []float64{0.1},
				Activation: "identity",
			},
		},
	}
}

func TestSurrogateBoundsFromInfo(t *testing.T) {
	s, err := NewSurrogate(testModelFile())
	if err != nil {
		t.Fatalf("new surrogate: %v", err)
	}
	if s.ElectrodeCount() != 5 {
		t.Fatalf("expected 5 electrodes, got %d", s.ElectrodeCount())
	}
	wantMin := []float64{-1, -1.2, -1, -1.2, -0.8}
	wantMax := []float64{1, 0.8, 0.6, 1.2, 1}
	gotMin, gotMax := s.MinVoltage(), s.MaxVoltage()
	for i := range wantMin {
		if math.Abs(gotMin[i]-wantMin[i]) > 1e-12 || math.Abs(gotMax[i]-wantMax[i]) > 1e-12 {
			t.Fatalf("electrode %d: got=[%f,%f] want=[%f,%f]", i, gotMin[i], gotMax[i], wantMin[i], wantMax[i])
		}
	}
}

func TestSurrogateInputGradientMatchesFiniteDifference(t *testing.T) {
	s, err := NewSurrogate(testModelFile())
	if err != nil {
		t.Fatalf("new surrogate: %v", err)
	}
	x := mat.NewDense(2, 5, []float64{
		0.2, -0.4, 0.1, 0.7, -0.3,
		-0.5, 0.3, 0.6, -0.1, 0.4,
	})
	// loss = sum(out), so dLoss/dOut is all ones.
	gradOut := mat.NewDense(2, 1, []float64{1, 1})
	grad, err := s.InputGradient(x, gradOut)
	if err != nil {
		t.Fatalf("input gradient: %v", err)
	}

	const h = 1e-6
	for i := 0; i < 2; i++ {
		for j := 0; j < 5; j++ {
			plus := mat.DenseCopyOf(x)
			minus := mat.DenseCopyOf(x)
			plus.Set(i, j, x.At(i, j)+h)
			minus.Set(i, j, x.At(i, j)-h)
			numeric := (mat.Sum(s.Evaluate(plus)) - mat.Sum(s.Evaluate(minus))) / (2 * h)
			if got := grad.At(i, j); math.Abs(got-numeric) > 1e-5 {
				t.Fatalf("grad[%d,%d]: got=%f numeric=%f", i, j, got, numeric)
			}
		}
	}
}

func TestSurrogateValidation(t *testing.T) {
	bad := testModelFile()
	bad.Layers[0].Weights[1] = []float64{1, 2}
	if _, err := NewSurrogate(bad); err == nil {
		t.Fatal("expected ragged weights error")
	}

	bad = testModelFile()
	bad.Info.DataInfo.InputData.Amplitude = []float64{1}
	if _, err := NewSurrogate(bad); err == nil {
		t.Fatal("expected amplitude length error")
	}

	bad = testModelFile()
	bad.Layers[1].Activation = "missing"
	if _, err := NewSurrogate(bad); err == nil {
		t.Fatal("expected unknown activation error")
	}

	bad = testModelFile()
	bad.Layers = nil
	if _, err := NewSurrogate(bad); err == nil {
		t.Fatal("expected missing layers error")
	}
}

func TestLoadSurrogateFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	data, err := json.Marshal(testModelFile())
	if err != nil {
		t.Fatalf("marshal model: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	s, err := LoadSurrogate(path)
	if err != nil {
		t.Fatalf("load surrogate: %v", err)
	}
	if s.OutputCount() != 1 {
		t.Fatalf("expected one output, got %d", s.OutputCount())
	}
	if _, err := LoadSurrogate(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected missing file error")
	}
}
