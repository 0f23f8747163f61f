package main

import (
	"fmt"
	"strconv"
	"strings"

	"dnpu/internal/config"
)

// overrideFromFlags applies only the flags the user set explicitly, so values
// from the config file survive flag defaults.
func overrideFromFlags(cfg *config.Run, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "platform":
			cfg.Node.Processor.Platform = v.(string)
		case "model":
			cfg.Node.Processor.ModelPath = v.(string)
			cfg.Node.Processor.Model = nil
		case "inputs":
			indices, err := parseIndices(v.(string))
			if err != nil {
				return fmt.Errorf("--inputs: %w", err)
			}
			cfg.Node.InputIndices = indices
		case "regularisation-factor":
			alpha := v.(float64)
			cfg.Node.RegularisationFactor = &alpha
		case "epochs":
			cfg.Training.Epochs = v.(int)
		case "lr":
			cfg.Training.LearningRate = v.(float64)
		case "optimizer":
			cfg.Training.Optimizer = v.(string)
		case "seed":
			seed := v.(int64)
			cfg.Seed = &seed
			cfg.Node.Processor.Seed = seed
		case "data":
			cfg.Training.DataPath = v.(string)
		case "log-every":
			cfg.Training.LogEvery = v.(int)
		}
	}
	return nil
}

func parseIndices(s string) ([]int, error) {
	fields := strings.Split(s, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		idx, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}
