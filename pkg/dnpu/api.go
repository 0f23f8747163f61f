// Package dnpu is the public entry point for training and evaluating DNPU
// nodes and inspecting the stored runs.
package dnpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"dnpu/internal/config"
	dnpunode "dnpu/internal/dnpu"
	"dnpu/internal/model"
	"dnpu/internal/optim"
	"dnpu/internal/processor"
	"dnpu/internal/stats"
	"dnpu/internal/storage"
	"dnpu/internal/training"
	"dnpu/internal/tuning"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "dnpu.db"
	defaultLogEvery   = 100
	// createdAtLayout is fixed width so timestamps sort as strings.
	createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"
	// trendTolerance absorbs optimizer jitter between loss windows.
	trendTolerance = 1e-3
)

var ErrRunNotFound = errors.New("run not found")

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
}

type Client struct {
	store       storage.Store
	initialized bool
	logger      *slog.Logger

	runsDir    string
	exportsDir string
}

type TrainRequest struct {
	Config config.Run
	// ConfigPath is recorded in the run artifacts only.
	ConfigPath string
	// RunID defaults to a random UUID.
	RunID string
}

type TrainSummary struct {
	RunID                  string
	ArtifactsDir           string
	EpochsRun              int
	StoppedEarly           bool
	FinalLoss              float64
	FinalRegularization    float64
	InitialControlVoltages []float64
	ControlVoltages        []float64
	// LossWindowMeans are the mean losses over consecutive LogEvery-sized
	// windows; LossNonIncreasing reports whether they trend down.
	LossWindowMeans   []float64
	LossNonIncreasing bool
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Platform     string
	Epochs       int
	EpochsRun    int
	StoppedEarly bool
	FinalLoss    float64
}

type ShowRequest struct {
	RunID  string
	Latest bool
}

type RunDetail struct {
	Run     model.TrainingRun
	History []model.EpochRecord
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type EvalRequest struct {
	Config config.Run
	// RunID, when set, restores the trained control voltages of that run.
	RunID  string
	Inputs *mat.Dense
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Train builds a node from the request config, trains its control voltages
// and persists the run to the store and the runs directory. A run that stops
// on a non-finite output is still persisted and reported with StoppedEarly.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	if err := c.Init(ctx); err != nil {
		return TrainSummary{}, err
	}
	cfg := req.Config
	seed := resolveSeed(cfg.Seed)
	rng := rand.New(rand.NewSource(seed))

	node, err := dnpunode.New(cfg.Node, dnpunode.WithRand(rng), dnpunode.WithLogger(c.logger))
	if err != nil {
		return TrainSummary{}, err
	}
	defer func() {
		_ = processor.CloseIfSupported(node.Backend())
	}()

	inputs, targets, err := trainingBatch(cfg, node.Partition().InputCount(), rng)
	if err != nil {
		return TrainSummary{}, err
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := c.logger.With(slog.String("run_id", runID))

	result, optimizerName, err := c.fit(ctx, node, inputs, targets, rng, cfg.Training, logger)
	if err != nil {
		return TrainSummary{}, err
	}

	now := time.Now().UTC()
	low, high := node.ControlBounds()
	partition := node.Partition()
	run := storage.Versioned(model.TrainingRun{
		ID:                     runID,
		CreatedAtUTC:           now.Format(createdAtLayout),
		Platform:               cfg.Node.Processor.Platform,
		InputIndices:           partition.InputIndices(),
		ControlIndices:         partition.ControlIndices(),
		ControlLow:             low,
		ControlHigh:            high,
		RegularisationFactor:   node.Alpha(),
		Optimizer:              optimizerName,
		LearningRate:           cfg.Training.LearningRate,
		Epochs:                 cfg.Training.Epochs,
		EpochsRun:              result.EpochsRun,
		StoppedEarly:           result.StoppedEarly,
		FinalLoss:              finalLoss(result),
		FinalRegularization:    node.Regularization(),
		InitialControlVoltages: result.InitialControlVoltages,
		ControlVoltages:        result.ControlVoltages,
	})
	history := historyRecords(result)

	if err := c.store.SaveRun(ctx, run); err != nil {
		return TrainSummary{}, err
	}
	if err := c.store.SaveHistory(ctx, runID, history); err != nil {
		return TrainSummary{}, err
	}

	batchSize, _ := inputs.Dims()
	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:                runID,
			Platform:             run.Platform,
			ConfigPath:           req.ConfigPath,
			InputIndices:         run.InputIndices,
			ControlIndices:       run.ControlIndices,
			RegularisationFactor: run.RegularisationFactor,
			Optimizer:            run.Optimizer,
			LearningRate:         run.LearningRate,
			Epochs:               run.Epochs,
			BatchSize:            batchSize,
			Seed:                 seed,
		},
		History: history,
		ControlVoltages: stats.ControlVoltages{
			ControlIndices: run.ControlIndices,
			ControlLow:     run.ControlLow,
			ControlHigh:    run.ControlHigh,
			Initial:        run.InitialControlVoltages,
			Final:          run.ControlVoltages,
		},
	})
	if err != nil {
		return TrainSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:        runID,
		Platform:     run.Platform,
		Epochs:       run.Epochs,
		EpochsRun:    run.EpochsRun,
		StoppedEarly: run.StoppedEarly,
		FinalLoss:    run.FinalLoss,
		CreatedAtUTC: run.CreatedAtUTC,
	}); err != nil {
		return TrainSummary{}, err
	}

	windowSize := cfg.Training.LogEvery
	if windowSize <= 0 {
		windowSize = defaultLogEvery
	}
	trend, err := stats.Trend(result.Loss, windowSize, trendTolerance)
	if err != nil {
		return TrainSummary{}, err
	}
	logger.Info("training finished",
		slog.Int("epochs_run", run.EpochsRun),
		slog.Bool("stopped_early", run.StoppedEarly),
		slog.Float64("final_loss", run.FinalLoss),
		slog.Any("loss_window_means", trend.WindowMeans),
		slog.Bool("loss_non_increasing", trend.NonIncreasing),
		slog.Float64("last_window_loss_std", trend.LastWindowStd),
	)

	return TrainSummary{
		RunID:                  runID,
		ArtifactsDir:           filepath.Clean(runDir),
		EpochsRun:              run.EpochsRun,
		StoppedEarly:           run.StoppedEarly,
		FinalLoss:              run.FinalLoss,
		FinalRegularization:    run.FinalRegularization,
		InitialControlVoltages: append([]float64(nil), run.InitialControlVoltages...),
		ControlVoltages:        append([]float64(nil), run.ControlVoltages...),
		LossWindowMeans:        trend.WindowMeans,
		LossNonIncreasing:      trend.NonIncreasing,
	}, nil
}

// fit runs gradient training, or gradient-free tuning when the exoself
// optimizer is selected. A non-finite output ends either path early without
// failing the run.
func (c *Client) fit(ctx context.Context, node *dnpunode.Node, inputs, targets *mat.Dense, rng *rand.Rand, cfg config.Training, logger *slog.Logger) (training.Result, string, error) {
	if cfg.Optimizer == config.OptimizerExoself {
		low, high := node.ControlBounds()
		tuner := &tuning.Exoself{
			Rand:               rng,
			Steps:              cfg.TuneSteps,
			StepSize:           cfg.TuneStepSize,
			CandidateSelection: cfg.TuneSelection,
			Low:                low,
			High:               high,
		}
		logger.Info("tuning started", slog.Int("attempts", cfg.Epochs), slog.String("tuner", tuner.Name()))
		result, report, err := training.Tune(ctx, node, inputs, targets, tuner, training.TuneConfig{
			Attempts: cfg.Epochs,
			LogEvery: cfg.LogEvery,
			Logger:   logger,
		})
		if err != nil && !errors.Is(err, training.ErrNonFiniteOutput) {
			return training.Result{}, "", err
		}
		logger.Debug("tuning report",
			slog.Int("candidate_evaluations", report.CandidateEvaluations),
			slog.Int("accepted_candidates", report.AcceptedCandidates),
			slog.Bool("goal_reached", report.GoalReached),
		)
		return result, config.OptimizerExoself, nil
	}

	opt, err := optim.New(cfg.Optimizer)
	if err != nil {
		return training.Result{}, "", err
	}
	logger.Info("training started", slog.Int("epochs", cfg.Epochs), slog.String("optimizer", opt.Name()))
	result, err := training.Train(ctx, node, inputs, targets, opt, training.Config{
		Epochs:       cfg.Epochs,
		LearningRate: cfg.LearningRate,
		LogEvery:     cfg.LogEvery,
		Logger:       logger,
	})
	if err != nil && !errors.Is(err, training.ErrNonFiniteOutput) {
		return training.Result{}, "", err
	}
	return result, opt.Name(), nil
}

// Runs lists runs newest first. The store is preferred; when it holds no runs
// (for example the in-memory backend in a fresh process) the artifacts index
// is read instead.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	items, err := c.listRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) > req.Limit {
		items = items[:req.Limit]
	}
	return items, nil
}

func (c *Client) listRuns(ctx context.Context) ([]RunItem, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		out := make([]RunItem, 0, len(runs))
		for _, run := range runs {
			out = append(out, RunItem{
				RunID:        run.ID,
				CreatedAtUTC: run.CreatedAtUTC,
				Platform:     run.Platform,
				Epochs:       run.Epochs,
				EpochsRun:    run.EpochsRun,
				StoppedEarly: run.StoppedEarly,
				FinalLoss:    run.FinalLoss,
			})
		}
		return out, nil
	}

	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Platform:     e.Platform,
			Epochs:       e.Epochs,
			EpochsRun:    e.EpochsRun,
			StoppedEarly: e.StoppedEarly,
			FinalLoss:    e.FinalLoss,
		})
	}
	return out, nil
}

// Show returns a stored run. Runs missing from the store (for example with
// the in-memory backend across processes) are rebuilt from their artifacts.
func (c *Client) Show(ctx context.Context, req ShowRequest) (RunDetail, error) {
	if err := c.Init(ctx); err != nil {
		return RunDetail{}, err
	}
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return RunDetail{}, err
	}

	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if ok {
		history, _, err := c.store.GetHistory(ctx, runID)
		if err != nil {
			return RunDetail{}, err
		}
		return RunDetail{Run: run, History: history}, nil
	}
	return c.detailFromArtifacts(runID)
}

func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Eval forwards a batch through a freshly built node, optionally restoring
// the control voltages of a trained run first.
func (c *Client) Eval(ctx context.Context, req EvalRequest) (*mat.Dense, error) {
	if req.Inputs == nil {
		return nil, errors.New("eval requires an input batch")
	}
	node, err := dnpunode.New(req.Config.Node, dnpunode.WithRand(rand.New(rand.NewSource(resolveSeed(req.Config.Seed)))), dnpunode.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = processor.CloseIfSupported(node.Backend())
	}()

	if req.RunID != "" {
		detail, err := c.Show(ctx, ShowRequest{RunID: req.RunID})
		if err != nil {
			return nil, err
		}
		if err := checkRunLayout(detail.Run, req.Config.Node.Processor.Platform, node); err != nil {
			return nil, fmt.Errorf("restore run %s: %w", req.RunID, err)
		}
		if err := node.SetControlVoltages(detail.Run.ControlVoltages); err != nil {
			return nil, fmt.Errorf("restore run %s: %w", req.RunID, err)
		}
	}
	return node.Forward(ctx, req.Inputs)
}

// checkRunLayout rejects restoring a run onto a node whose control electrodes
// or voltage ranges differ from the ones the run was trained with.
func checkRunLayout(run model.TrainingRun, platform string, node *dnpunode.Node) error {
	if run.Platform != "" && run.Platform != platform {
		return fmt.Errorf("%w: run platform %s, node platform %s", dnpunode.ErrShapeMismatch, run.Platform, platform)
	}
	if want := node.Partition().ControlIndices(); !slices.Equal(run.ControlIndices, want) {
		return fmt.Errorf("%w: run control electrodes %v, node control electrodes %v", dnpunode.ErrShapeMismatch, run.ControlIndices, want)
	}
	low, high := node.ControlBounds()
	if len(run.ControlLow) > 0 && !slices.Equal(run.ControlLow, low) {
		return fmt.Errorf("%w: run control low %v, node control low %v", dnpunode.ErrShapeMismatch, run.ControlLow, low)
	}
	if len(run.ControlHigh) > 0 && !slices.Equal(run.ControlHigh, high) {
		return fmt.Errorf("%w: run control high %v, node control high %v", dnpunode.ErrShapeMismatch, run.ControlHigh, high)
	}
	return nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if runID != "" {
		return runID, nil
	}
	items, err := c.listRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", errors.New("no runs available")
	}
	return items[0].RunID, nil
}

func (c *Client) detailFromArtifacts(runID string) (RunDetail, error) {
	cfg, ok, err := stats.ReadRunConfig(c.runsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	cv, _, err := stats.ReadControlVoltages(c.runsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	history, _, err := stats.ReadLossHistory(c.runsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}

	run := storage.Versioned(model.TrainingRun{
		ID:                     runID,
		Platform:               cfg.Platform,
		InputIndices:           cfg.InputIndices,
		ControlIndices:         cv.ControlIndices,
		ControlLow:             cv.ControlLow,
		ControlHigh:            cv.ControlHigh,
		RegularisationFactor:   cfg.RegularisationFactor,
		Optimizer:              cfg.Optimizer,
		LearningRate:           cfg.LearningRate,
		Epochs:                 cfg.Epochs,
		EpochsRun:              len(history),
		InitialControlVoltages: cv.Initial,
		ControlVoltages:        cv.Final,
	})
	if len(history) > 0 {
		last := history[len(history)-1]
		run.FinalLoss = last.Loss
		run.FinalRegularization = last.Regularization
	}
	return RunDetail{Run: run, History: history}, nil
}

func trainingBatch(cfg config.Run, inputs int, rng *rand.Rand) (*mat.Dense, *mat.Dense, error) {
	if cfg.Training.DataPath != "" {
		return training.LoadCSVBatch(cfg.Training.DataPath, inputs, true)
	}
	return training.SyntheticBatch(rng, cfg.Training.BatchSize, inputs, cfg.Training.InputScale, cfg.Training.Target)
}

func historyRecords(result training.Result) []model.EpochRecord {
	history := make([]model.EpochRecord, 0, len(result.Loss))
	for i := range result.Loss {
		history = append(history, model.EpochRecord{
			Epoch:          i + 1,
			Loss:           result.Loss[i],
			Regularization: result.Regularization[i],
			ControlDelta:   result.ControlDelta[i],
		})
	}
	return history
}

// finalLoss is zero when no epoch completed; NaN cannot be encoded as JSON.
func finalLoss(result training.Result) float64 {
	if result.EpochsRun == 0 {
		return 0
	}
	return result.FinalLoss()
}

// resolveSeed returns the configured seed, or a clock seed when none is set.
// The resolved value is recorded with the run so it can be replayed.
func resolveSeed(seed *int64) int64 {
	if seed != nil {
		return *seed
	}
	return time.Now().UnixNano()
}
