package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"dnpu/internal/model"
)

const (
	runIndexFile        = "run_index.json"
	configFile          = "config.json"
	historyFile         = "loss_history.csv"
	controlVoltagesFile = "control_voltages.json"
)

type RunConfig struct {
	RunID                string  `json:"run_id"`
	Platform             string  `json:"platform"`
	ConfigPath           string  `json:"config_path,omitempty"`
	InputIndices         []int   `json:"input_indices"`
	ControlIndices       []int   `json:"control_indices"`
	RegularisationFactor float64 `json:"regularisation_factor"`
	Optimizer            string  `json:"optimizer"`
	LearningRate         float64 `json:"learning_rate"`
	Epochs               int     `json:"epochs"`
	BatchSize            int     `json:"batch_size"`
	Seed                 int64   `json:"seed"`
}

type ControlVoltages struct {
	ControlIndices []int     `json:"control_indices"`
	ControlLow     []float64 `json:"control_low"`
	ControlHigh    []float64 `json:"control_high"`
	Initial        []float64 `json:"initial"`
	Final          []float64 `json:"final"`
}

type RunArtifacts struct {
	Config          RunConfig           `json:"config"`
	History         []model.EpochRecord `json:"history"`
	ControlVoltages ControlVoltages     `json:"control_voltages"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Platform     string  `json:"platform"`
	Epochs       int     `json:"epochs"`
	EpochsRun    int     `json:"epochs_run"`
	StoppedEarly bool    `json:"stopped_early"`
	FinalLoss    float64 `json:"final_loss"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := WriteLossHistory(runDir, artifacts.History); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, controlVoltagesFile), artifacts.ControlVoltages); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile, controlVoltagesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadControlVoltages(baseDir, runID string) (ControlVoltages, bool, error) {
	var cv ControlVoltages
	ok, err := readJSON(filepath.Join(baseDir, runID, controlVoltagesFile), &cv)
	return cv, ok, err
}

func WriteLossHistory(runDir string, history []model.EpochRecord) error {
	file, err := os.Create(filepath.Join(runDir, historyFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"epoch", "loss", "regularization", "control_delta"}); err != nil {
		return err
	}
	for _, record := range history {
		if err := writer.Write([]string{
			strconv.Itoa(record.Epoch),
			strconv.FormatFloat(record.Loss, 'f', -1, 64),
			strconv.FormatFloat(record.Regularization, 'f', -1, 64),
			strconv.FormatFloat(record.ControlDelta, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadLossHistory(baseDir, runID string) ([]model.EpochRecord, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, historyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.EpochRecord{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 4 {
		return nil, false, fmt.Errorf("loss history header must have 4 columns")
	}

	history := make([]model.EpochRecord, 0, 128)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		record, err := parseEpochRecord(row)
		if err != nil {
			return nil, false, err
		}
		history = append(history, record)
	}
	return history, true, nil
}

func parseEpochRecord(row []string) (model.EpochRecord, error) {
	if len(row) < 4 {
		return model.EpochRecord{}, fmt.Errorf("loss history row must have 4 columns")
	}
	epoch, err := strconv.Atoi(row[0])
	if err != nil {
		return model.EpochRecord{}, err
	}
	values := make([]float64, 3)
	for i := range values {
		values[i], err = strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return model.EpochRecord{}, err
		}
	}
	return model.EpochRecord{Epoch: epoch, Loss: values[0], Regularization: values[1], ControlDelta: values[2]}, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
