package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"dnpu/internal/config"
	"dnpu/internal/storage"
	"dnpu/internal/training"
	dnpuapi "dnpu/pkg/dnpu"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "eval":
		return runEval(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// clientFlags are shared by every subcommand that opens a client.
type clientFlags struct {
	storeKind *string
	dbPath    *string
	runsDir   *string
	logLevel  *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		storeKind: fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:    fs.String("db-path", "dnpu.db", "sqlite database path"),
		runsDir:   fs.String("runs-dir", runsDir, "run artifacts directory"),
		logLevel:  fs.String("log-level", "info", "log level: debug|info|warn|error"),
	}
}

func (f clientFlags) open() (*dnpuapi.Client, error) {
	logger, err := newLogger(*f.logLevel)
	if err != nil {
		return nil, err
	}
	client, err := dnpuapi.New(dnpuapi.Options{
		StoreKind:  *f.storeKind,
		DBPath:     *f.dbPath,
		RunsDir:    *f.runsDir,
		ExportsDir: exportsDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	common := addClientFlags(fs)
	configPath := fs.String("config", "", "node config JSON path")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	platform := fs.String("platform", "", "platform override: simulation|hardware")
	modelPath := fs.String("model", "", "surrogate model JSON path override")
	inputs := fs.String("inputs", "", "input electrode indices override, comma separated")
	alpha := fs.Float64("regularisation-factor", 1, "regularisation factor override")
	epochs := fs.Int("epochs", config.DefaultEpochs, "training epochs")
	learningRate := fs.Float64("lr", config.DefaultLearningRate, "learning rate")
	optimizer := fs.String("optimizer", config.DefaultOptimizer, "optimizer: adam|sgd|exoself")
	seed := fs.Int64("seed", 0, "rng seed; when neither this flag nor the config sets one, the clock is used")
	dataPath := fs.String("data", "", "CSV batch: input columns then target columns")
	logEvery := fs.Int("log-every", config.DefaultLogEvery, "progress log cadence in epochs")
	jsonOut := fs.Bool("json", false, "emit the training summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	if err := overrideFromFlags(&cfg, setFlags, map[string]any{
		"platform":              *platform,
		"model":                 *modelPath,
		"inputs":                *inputs,
		"regularisation-factor": *alpha,
		"epochs":                *epochs,
		"lr":                    *learningRate,
		"optimizer":             *optimizer,
		"seed":                  *seed,
		"data":                  *dataPath,
		"log-every":             *logEvery,
	}); err != nil {
		return err
	}

	client, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Train(ctx, dnpuapi.TrainRequest{Config: cfg, ConfigPath: *configPath, RunID: *runID})
	if err != nil {
		return err
	}

	if *jsonOut {
		return writeJSON(map[string]any{
			"run_id":                   summary.RunID,
			"artifacts_dir":            summary.ArtifactsDir,
			"epochs_run":               summary.EpochsRun,
			"stopped_early":            summary.StoppedEarly,
			"final_loss":               summary.FinalLoss,
			"final_regularization":     summary.FinalRegularization,
			"initial_control_voltages": summary.InitialControlVoltages,
			"control_voltages":         summary.ControlVoltages,
			"loss_window_means":        summary.LossWindowMeans,
			"loss_non_increasing":      summary.LossNonIncreasing,
		})
	}
	fmt.Printf("run_id=%s epochs_run=%d stopped_early=%t final_loss=%.6f final_regularization=%.6f artifacts=%s\n",
		summary.RunID,
		summary.EpochsRun,
		summary.StoppedEarly,
		summary.FinalLoss,
		summary.FinalRegularization,
		summary.ArtifactsDir,
	)
	fmt.Printf("control_voltages start=%s end=%s\n",
		formatFloats(summary.InitialControlVoltages),
		formatFloats(summary.ControlVoltages),
	)
	fmt.Printf("loss_trend windows=%d non_increasing=%t means=%s\n",
		len(summary.LossWindowMeans),
		summary.LossNonIncreasing,
		formatFloats(summary.LossWindowMeans),
	)
	return nil
}

func runEval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	common := addClientFlags(fs)
	configPath := fs.String("config", "", "node config JSON path")
	runID := fs.String("run-id", "", "restore control voltages from this run")
	inputsPath := fs.String("inputs", "", "CSV batch with one column per input electrode")
	jsonOut := fs.Bool("json", false, "emit outputs as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inputsPath == "" {
		return errors.New("eval requires --inputs")
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	inputs, _, err := training.LoadCSVBatch(*inputsPath, len(cfg.Node.InputIndices), false)
	if err != nil {
		return err
	}

	client, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	out, err := client.Eval(ctx, dnpuapi.EvalRequest{Config: cfg, RunID: *runID, Inputs: inputs})
	if err != nil {
		return err
	}

	rows, cols := out.Dims()
	values := make([][]float64, rows)
	for i := range values {
		values[i] = make([]float64, cols)
		for j := range values[i] {
			values[i][j] = out.At(i, j)
		}
	}
	if *jsonOut {
		return writeJSON(values)
	}
	for i, row := range values {
		fmt.Printf("row=%d output=%s\n", i, formatFloats(row))
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	common := addClientFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, dnpuapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		type runsItem struct {
			RunID        string  `json:"run_id"`
			CreatedAtUTC string  `json:"created_at_utc"`
			Platform     string  `json:"platform"`
			Epochs       int     `json:"epochs"`
			EpochsRun    int     `json:"epochs_run"`
			StoppedEarly bool    `json:"stopped_early"`
			FinalLoss    float64 `json:"final_loss"`
		}
		out := make([]runsItem, 0, len(items))
		for _, item := range items {
			out = append(out, runsItem(item))
		}
		return writeJSON(out)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Printf("run_id=%s created_at=%s platform=%s epochs=%d epochs_run=%d stopped_early=%t final_loss=%.6f\n",
			item.RunID,
			item.CreatedAtUTC,
			item.Platform,
			item.Epochs,
			item.EpochsRun,
			item.StoppedEarly,
			item.FinalLoss,
		)
	}
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	common := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show the most recent run from run index")
	history := fs.Int("history", 0, "print the last N history rows")
	jsonOut := fs.Bool("json", false, "emit the run as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *history < 0 {
		return errors.New("history must be >= 0")
	}

	client, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	detail, err := client.Show(ctx, dnpuapi.ShowRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(detail.Run)
	}

	r := detail.Run
	fmt.Printf("run_id=%s platform=%s inputs=%v controls=%v regularisation_factor=%g optimizer=%s lr=%g epochs_run=%d/%d final_loss=%.6f\n",
		r.ID, r.Platform, r.InputIndices, r.ControlIndices, r.RegularisationFactor, r.Optimizer, r.LearningRate, r.EpochsRun, r.Epochs, r.FinalLoss)
	for k, idx := range r.ControlIndices {
		fmt.Printf("electrode=%d control_voltage=%.6f low=%.6f high=%.6f\n",
			idx, valueAt(r.ControlVoltages, k), valueAt(r.ControlLow, k), valueAt(r.ControlHigh, k))
	}
	rows := detail.History
	if *history < len(rows) {
		rows = rows[len(rows)-*history:]
	}
	for _, rec := range rows {
		fmt.Printf("epoch=%d loss=%.6f regularization=%.6f control_delta=%.6f\n", rec.Epoch, rec.Loss, rec.Regularization, rec.ControlDelta)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Export(ctx, dnpuapi.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", summary.RunID, summary.Directory)
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.6f", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func valueAt(values []float64, i int) float64 {
	if i < len(values) {
		return values[i]
	}
	return 0
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: dnpuctl <train|eval|runs|show|export> [flags]", msg)
}
