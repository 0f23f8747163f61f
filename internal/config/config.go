// Package config loads node and training settings from JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dnpu/internal/dnpu"
	"dnpu/internal/processor"
)

const (
	DefaultEpochs       = 1000
	DefaultLearningRate = 0.01
	DefaultOptimizer    = "adam"
	DefaultLogEvery     = 100
	DefaultBatchSize    = 10
	DefaultInputScale   = 0.5
	DefaultTarget       = 5
	DefaultTuneSteps    = 2
	DefaultTuneStepSize = 0.1

	// OptimizerExoself selects gradient-free tuning instead of an optimizer.
	OptimizerExoself = "exoself"
)

// Training holds the loop settings plus the description of the batch to
// train on. DataPath, when set, takes precedence over the synthetic batch.
type Training struct {
	Epochs       int
	LearningRate float64
	Optimizer    string
	LogEvery     int
	BatchSize    int
	InputScale   float64
	Target       float64
	DataPath     string

	TuneSteps     int
	TuneStepSize  float64
	TuneSelection string
}

type Run struct {
	Node     dnpu.Config
	Training Training
	// Seed is nil when no seed was given; the run then seeds from the clock.
	// An explicit zero is a valid, reproducible seed.
	Seed *int64
}

// Default is a simulation node with inputs on electrodes 0 and 4 and no
// surrogate model; callers must still provide one.
func Default() Run {
	return Run{
		Node: dnpu.Config{
			Processor:    processor.Config{Platform: processor.PlatformSimulation},
			InputIndices: []int{0, 4},
		},
		Training: Training{
			Epochs:       DefaultEpochs,
			LearningRate: DefaultLearningRate,
			Optimizer:    DefaultOptimizer,
			LogEvery:     DefaultLogEvery,
			BatchSize:    DefaultBatchSize,
			InputScale:   DefaultInputScale,
			Target:       DefaultTarget,
			TuneSteps:    DefaultTuneSteps,
			TuneStepSize: DefaultTuneStepSize,
		},
	}
}

// Load reads a JSON config. Relative file references are resolved against the
// config file's directory.
func Load(path string) (Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Run{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Run{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return FromMap(raw, filepath.Dir(path))
}

func LoadOrDefault(path string) (Run, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func FromMap(raw map[string]any, baseDir string) (Run, error) {
	run := Default()
	node := &run.Node
	proc := &node.Processor

	if v, ok := asString(raw["platform"]); ok {
		proc.Platform = v
	}
	if v, present := raw["input_indices"]; present {
		indices, ok := asIntSlice(v)
		if !ok {
			return Run{}, fmt.Errorf("input_indices must be a list of integers, got %T", v)
		}
		node.InputIndices = indices
	}
	if v, present := raw["regularisation_factor"]; present {
		alpha, ok := asFloat64(v)
		if !ok {
			return Run{}, fmt.Errorf("regularisation_factor must be a number, got %T", v)
		}
		node.RegularisationFactor = &alpha
	}

	if v, ok := asString(raw["torch_model_dict"]); ok {
		proc.ModelPath = resolvePath(baseDir, v)
	}
	if v, present := raw["model"]; present {
		model, err := decodeModel(v)
		if err != nil {
			return Run{}, err
		}
		proc.Model = model
	}
	if v, ok := asFloat64(raw["noise_std"]); ok {
		proc.NoiseStd = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		run.Seed = &v
		proc.Seed = v
	}

	if v, ok := asString(raw["driver"]); ok {
		proc.Driver = v
	}
	if v, present := raw["input_channels"]; present {
		channels, ok := asIntSlice(v)
		if !ok {
			return Run{}, fmt.Errorf("input_channels must be a list of integers, got %T", v)
		}
		proc.InputChannels = channels
	}
	if v, present := raw["min_voltage"]; present {
		values, ok := asFloat64Slice(v)
		if !ok {
			return Run{}, fmt.Errorf("min_voltage must be a list of numbers, got %T", v)
		}
		proc.MinVoltage = values
	}
	if v, present := raw["max_voltage"]; present {
		values, ok := asFloat64Slice(v)
		if !ok {
			return Run{}, fmt.Errorf("max_voltage must be a list of numbers, got %T", v)
		}
		proc.MaxVoltage = values
	}
	if opts, ok := raw["driver_options"].(map[string]any); ok {
		proc.Options = opts
	}
	if v, present := raw["loopback_weights"]; present {
		if proc.Options == nil {
			proc.Options = map[string]any{}
		}
		proc.Options["loopback_weights"] = v
	}

	tr := &run.Training
	if v, ok := asInt(raw["epochs"]); ok {
		tr.Epochs = v
	}
	if v, ok := asFloat64(raw["learning_rate"]); ok {
		tr.LearningRate = v
	}
	if v, ok := asString(raw["optimizer"]); ok {
		tr.Optimizer = v
	}
	if v, ok := asInt(raw["log_every"]); ok {
		tr.LogEvery = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		tr.BatchSize = v
	}
	if v, ok := asFloat64(raw["input_scale"]); ok {
		tr.InputScale = v
	}
	if v, ok := asFloat64(raw["target"]); ok {
		tr.Target = v
	}
	if v, ok := asString(raw["data_path"]); ok {
		tr.DataPath = resolvePath(baseDir, v)
	}
	if v, ok := asInt(raw["tune_steps"]); ok {
		tr.TuneSteps = v
	}
	if v, ok := asFloat64(raw["tune_step_size"]); ok {
		tr.TuneStepSize = v
	}
	if v, ok := asString(raw["tune_selection"]); ok {
		tr.TuneSelection = v
	}

	return run, nil
}

func decodeModel(v any) (*processor.ModelFile, error) {
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("model must be an object, got %T", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var model processor.ModelFile
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("decode inline model: %w", err)
	}
	return &model, nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asIntSlice(v any) ([]int, bool) {
	switch xs := v.(type) {
	case []int:
		return append([]int(nil), xs...), true
	case []any:
		out := make([]int, 0, len(xs))
		for _, item := range xs {
			f, ok := asFloat64(item)
			if !ok || f != float64(int(f)) {
				return nil, false
			}
			out = append(out, int(f))
		}
		return out, true
	default:
		return nil, false
	}
}

func asFloat64Slice(v any) ([]float64, bool) {
	switch xs := v.(type) {
	case []float64:
		return append([]float64(nil), xs...), true
	case []any:
		out := make([]float64, 0, len(xs))
		for _, item := range xs {
			f, ok := asFloat64(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	default:
		return nil, false
	}
}
