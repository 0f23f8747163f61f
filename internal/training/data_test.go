package training

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSyntheticBatch(t *testing.T) {
	x, y, err := SyntheticBatch(rand.New(rand.NewSource(3)), 10, 2, 0.5, 5)
	if err != nil {
		t.Fatalf("synthetic batch: %v", err)
	}
	if r, c := x.Dims(); r != 10 || c != 2 {
		t.Fatalf("unexpected input dims: %dx%d", r, c)
	}
	if r, c := y.Dims(); r != 10 || c != 1 {
		t.Fatalf("unexpected target dims: %dx%d", r, c)
	}
	for i := 0; i < 10; i++ {
		if y.At(i, 0) != 5 {
			t.Fatalf("row %d target: got=%f want=5", i, y.At(i, 0))
		}
		for j := 0; j < 2; j++ {
			if v := x.At(i, j); math.IsNaN(v) || math.Abs(v) > 5 {
				t.Fatalf("implausible input at %d,%d: %f", i, j, v)
			}
		}
	}

	if _, _, err := SyntheticBatch(rand.New(rand.NewSource(1)), 0, 2, 1, 0); err == nil {
		t.Fatal("expected empty batch error")
	}
}

func TestReadCSVBatchWithTargets(t *testing.T) {
	x, y, err := ReadCSVBatch(strings.NewReader("# x0,x1,y\n0.1,0.2,1\n-0.3,0.4,2\n"), 2, true)
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if r, c := x.Dims(); r != 2 || c != 2 {
		t.Fatalf("unexpected input dims: %dx%d", r, c)
	}
	if x.At(1, 0) != -0.3 || y.At(1, 0) != 2 {
		t.Fatalf("unexpected values: x=%v y=%v", x.RawMatrix().Data, y.RawMatrix().Data)
	}
}

func TestReadCSVBatchInputsOnly(t *testing.T) {
	x, y, err := ReadCSVBatch(strings.NewReader("1,2\n3,4\n5,6\n"), 2, false)
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if y != nil {
		t.Fatal("expected nil targets")
	}
	if r, _ := x.Dims(); r != 3 {
		t.Fatalf("unexpected rows: %d", r)
	}
}

func TestReadCSVBatchErrors(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		inputs  int
		targets bool
	}{
		{name: "empty", body: "", inputs: 1, targets: false},
		{name: "missing target column", body: "1,2\n", inputs: 2, targets: true},
		{name: "extra column", body: "1,2,3\n", inputs: 2, targets: false},
		{name: "not a number", body: "1,x\n", inputs: 2, targets: false},
		{name: "ragged", body: "1,2\n3\n", inputs: 2, targets: false},
		{name: "no inputs", body: "1\n", inputs: 0, targets: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ReadCSVBatch(strings.NewReader(tc.body), tc.inputs, tc.targets); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadCSVBatchFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.csv")
	if err := os.WriteFile(path, []byte("0.5,1\n"), 0o644); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	x, y, err := LoadCSVBatch(path, 1, true)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if x.At(0, 0) != 0.5 || y.At(0, 0) != 1 {
		t.Fatalf("unexpected batch: x=%v y=%v", x.RawMatrix().Data, y.RawMatrix().Data)
	}
	if _, _, err := LoadCSVBatch(filepath.Join(t.TempDir(), "missing.csv"), 1, true); err == nil {
		t.Fatal("expected missing file error")
	}
}
