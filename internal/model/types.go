package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// TrainingRun is the persisted outcome of training one DNPU node.
type TrainingRun struct {
	VersionedRecord
	ID                     string    `json:"id"`
	CreatedAtUTC           string    `json:"created_at_utc"`
	Platform               string    `json:"platform"`
	InputIndices           []int     `json:"input_indices"`
	ControlIndices         []int     `json:"control_indices"`
	ControlLow             []float64 `json:"control_low"`
	ControlHigh            []float64 `json:"control_high"`
	RegularisationFactor   float64   `json:"regularisation_factor"`
	Optimizer              string    `json:"optimizer"`
	LearningRate           float64   `json:"learning_rate"`
	Epochs                 int       `json:"epochs"`
	EpochsRun              int       `json:"epochs_run"`
	StoppedEarly           bool      `json:"stopped_early"`
	FinalLoss              float64   `json:"final_loss"`
	FinalRegularization    float64   `json:"final_regularization"`
	InitialControlVoltages []float64 `json:"initial_control_voltages"`
	ControlVoltages        []float64 `json:"control_voltages"`
}

// EpochRecord is one row of a run's training history.
type EpochRecord struct {
	Epoch          int     `json:"epoch"`
	Loss           float64 `json:"loss"`
	Regularization float64 `json:"regularization"`
	ControlDelta   float64 `json:"control_delta"`
}
