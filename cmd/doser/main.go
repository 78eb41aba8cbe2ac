package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cesuratx/doser-go/pkg/calibration"
	"github.com/cesuratx/doser-go/pkg/config"
	"github.com/cesuratx/doser-go/pkg/doser"
	"github.com/cesuratx/doser-go/pkg/fixedpoint"
	"github.com/cesuratx/doser-go/pkg/hw"
	"github.com/cesuratx/doser-go/pkg/runner"
	"github.com/cesuratx/doser-go/pkg/telemetry"
)

const version = "0.3.0"

// maxRunMsFallback applies when neither the config nor --max-run-ms sets a
// hard runtime cap; a dose that runs longer than this has certainly stalled.
const maxRunMsFallback = 30_000

type opts struct {
	configPath string
	calibPath  string
	jsonMode   bool
	logLevel   string
}

type doseOpts struct {
	grams         float64
	maxRunMs      uint64
	maxOvershootG float64
	direct        bool
	stats         bool
	printRuntime  bool
	telemetryPath string
}

func main() {
	var o opts
	var d doseOpts

	root := &cobra.Command{
		Use:           "doser",
		Short:         "Gravimetric dosing controller",
		Long: `The doser tool drives a stepper-driven auger to dispense a target mass of
material onto a load cell, modulating motor speed from filtered weight
readings and stopping early to compensate for material still in flight.

Examples:
  doser dose --grams 10
  doser --config etc/doser_config.yaml dose --grams 2.5 --stats
  doser selfcheck`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&o.configPath, "config", "etc/doser_config.yaml", "path to YAML config file")
	root.PersistentFlags().StringVar(&o.calibPath, "calibration", "", "calibration CSV with headers raw,grams")
	root.PersistentFlags().BoolVar(&o.jsonMode, "json", false, "log and report as JSON lines instead of text")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	doseCmd := &cobra.Command{
		Use:   "dose",
		Short: "Dispense a target amount of material",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxRunSet := cmd.Flags().Changed("max-run-ms")
			overshootSet := cmd.Flags().Changed("max-overshoot-g")
			return runDose(cmd.Context(), o, d, maxRunSet, overshootSet)
		},
	}
	doseCmd.Flags().Float64Var(&d.grams, "grams", 0, "target grams to dispense (required)")
	doseCmd.Flags().Uint64Var(&d.maxRunMs, "max-run-ms", 0, "override safety: max run time in ms")
	doseCmd.Flags().Float64Var(&d.maxOvershootG, "max-overshoot-g", 0, "override safety: abort past this overshoot in grams")
	doseCmd.Flags().BoolVar(&d.direct, "direct", false, "read the scale inside the control loop (no sampler)")
	doseCmd.Flags().BoolVar(&d.stats, "stats", false, "print control-loop latency stats to stderr")
	doseCmd.Flags().BoolVar(&d.printRuntime, "print-runtime", false, "print total runtime on completion")
	doseCmd.Flags().StringVar(&d.telemetryPath, "telemetry", "", "append the per-run telemetry record to this file")
	_ = doseCmd.MarkFlagRequired("grams")

	selfCheckCmd := &cobra.Command{
		Use:   "selfcheck",
		Short: "Quick hardware probe: one scale read, motor start/stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelfCheck(o)
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Health check for operational monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(o)
		},
	}

	root.AddCommand(doseCmd, selfCheckCmd, healthCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if o.jsonMode {
			fmt.Fprintln(os.Stderr, formatErrorJSON(err))
		} else {
			fmt.Fprintln(os.Stderr, humanize(err))
		}
		os.Exit(doser.ExitCode(err))
	}
}

// loadConfig reads the config file, falling back to built-in defaults when
// the default path does not exist and the user never asked for a specific
// file. An explicitly requested file that is missing is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func initLogging(o opts, cfg *config.Config) {
	level := o.logLevel
	if level == "info" && cfg.Logging.Level != nil {
		level = *cfg.Logging.Level
	}
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}

	out := os.Stderr
	if cfg.Logging.File != nil {
		if f, err := os.OpenFile(*cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		}
	}

	var handler slog.Handler
	if o.jsonMode {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lv})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: lv})
	}
	slog.SetDefault(slog.New(handler))
}

// loadCalibration resolves the calibration in precedence order: persisted
// record in the config, CSV flag, then the simulation backend's unity map
// (raw counts are centigrams).
func loadCalibration(o opts, cfg *config.Config) (calibration.Calibration, error) {
	if cal, ok := cfg.DoserCalibration(); ok {
		return cal, nil
	}
	if o.calibPath != "" {
		return calibration.LoadCSV(o.calibPath)
	}
	return calibration.Calibration{GainGramsPerCount: 0.01}, nil
}

func runDose(ctx context.Context, o opts, d doseOpts, maxRunSet, overshootSet bool) error {
	cfg, err := loadConfig(o.configPath, o.configPath != "etc/doser_config.yaml")
	if err != nil {
		return err
	}
	initLogging(o, cfg)

	cal, err := loadCalibration(o, cfg)
	if err != nil {
		return err
	}

	safety := cfg.DoserSafety()
	if maxRunSet {
		safety.MaxRunMs = d.maxRunMs
	} else if safety.MaxRunMs == 0 {
		safety.MaxRunMs = maxRunMsFallback
	}
	if overshootSet {
		safety.MaxOvershootG = d.maxOvershootG
	}

	scale := hw.NewSimScale()
	motor := hw.NewSimMotor()

	b := doser.NewBuilder().
		WithScale(scale).
		WithMotor(motor).
		WithTargetGrams(d.grams).
		WithFilter(cfg.DoserFilter()).
		WithControl(cfg.DoserControl()).
		WithSafety(safety).
		WithTimeouts(cfg.DoserTimeouts()).
		WithCalibration(cal).
		WithPredictor(cfg.DoserPredictor()).
		WithEstopDebounce(cfg.Estop.DebounceN)

	mode := runner.Paced
	if d.direct || cfg.Runner.Mode == config.RunModeDirect {
		mode = runner.Direct
	}
	if d.stats {
		// Stats collection forces direct mode; a sampler would attribute its
		// own read latency to the control step and skew the numbers.
		mode = runner.Direct
	}

	var core *doser.Core
	if mode == runner.Direct {
		core, err = b.Build()
	} else {
		// The sampler owns the real scale; the core gets a placeholder whose
		// Read is never called because samples arrive via StepFromRaw.
		core, err = b.WithScale(hw.NoopScale{}).Build()
	}
	if err != nil {
		return err
	}

	ropts := runner.Options{
		Mode:               mode,
		PacedHz:            cfg.Filter.SampleRateHz,
		SensorTimeout:      time.Duration(cfg.DoserTimeouts().SensorMs) * time.Millisecond,
		MaxRunMs:           safety.MaxRunMs,
		PreferTimeoutFirst: !maxRunSet,
	}

	start := time.Now()
	var finalG float64
	if d.stats {
		finalG, err = runWithStats(ctx, core, cfg.Filter.SampleRateHz)
	} else {
		finalG, err = runner.Run(ctx, core, scale, ropts)
	}
	elapsed := time.Since(start)

	rec := telemetry.BuildRecord(core, d.grams, time.Now().Unix(), uint64(elapsed.Milliseconds()), "default", err)
	if werr := writeTelemetry(d.telemetryPath, o.jsonMode, rec); werr != nil {
		slog.Warn("telemetry write failed", "error", werr)
	}

	if err != nil {
		return err
	}

	if d.printRuntime {
		fmt.Printf("runtime: %s\n", elapsed.Round(time.Millisecond))
	}
	fmt.Printf("final: %.2f g\n", finalG)
	return nil
}

// runWithStats mirrors runner.Run's direct mode but wraps each step with
// latency bookkeeping, printing a summary to stderr once the run ends.
func runWithStats(ctx context.Context, core *doser.Core, sampleRateHz uint32) (float64, error) {
	periodUs := fixedpoint.PeriodUs(sampleRateHz)
	var latencies []uint64
	missed := 0

	core.Begin()
	slog.Info("dose start", "mode", "direct")
	var finalG float64
	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			_ = core.MotorStop()
			runErr = err
			break
		}
		t0 := time.Now()
		status, err := core.Step()
		lat := uint64(time.Since(t0).Microseconds())
		latencies = append(latencies, lat)
		if lat > periodUs {
			missed++
		}
		if err != nil {
			_ = core.MotorStop()
			slog.Error("dose aborted", "error", err)
			runErr = err
			break
		}
		if status == doser.Complete {
			finalG = core.LastWeightGrams()
			slog.Info("dose complete", "final_g", finalG)
			break
		}
	}

	if len(latencies) > 0 {
		printStats(latencies, missed, periodUs)
	}
	return finalG, runErr
}

// printStats writes the latency/jitter summary to stderr so it never mixes
// with machine-readable stdout output.
func printStats(latencies []uint64, missed int, periodUs uint64) {
	minL, maxL := latencies[0], latencies[0]
	var sum uint64
	for _, l := range latencies {
		if l < minL {
			minL = l
		}
		if l > maxL {
			maxL = l
		}
		sum += l
	}
	avg := float64(sum) / float64(len(latencies))
	stdev := 0.0
	if len(latencies) > 1 {
		var varSum float64
		for _, l := range latencies {
			d := float64(l) - avg
			varSum += d * d
		}
		stdev = math.Sqrt(varSum / float64(len(latencies)-1))
	}
	fmt.Fprintf(os.Stderr, "\n--- Doser Stats ---\n")
	fmt.Fprintf(os.Stderr, "Samples: %d\n", len(latencies))
	fmt.Fprintf(os.Stderr, "Period (us): %d\n", periodUs)
	fmt.Fprintf(os.Stderr, "Latency min/avg/max/stdev (us): %d / %.1f / %d / %.1f\n", minL, avg, maxL, stdev)
	fmt.Fprintf(os.Stderr, "Missed deadlines (> period): %d\n", missed)
	fmt.Fprintf(os.Stderr, "-------------------\n\n")
}

func writeTelemetry(path string, jsonMode bool, rec telemetry.Record) error {
	if jsonMode {
		if err := telemetry.NewWriter(os.Stdout).Write(rec); err != nil {
			return err
		}
	}
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return telemetry.NewWriter(f).Write(rec)
}

func runSelfCheck(o opts) error {
	cfg, err := loadConfig(o.configPath, o.configPath != "etc/doser_config.yaml")
	if err != nil {
		return err
	}
	initLogging(o, cfg)
	slog.Info("self-check starting")

	scale := hw.NewSimScale()
	motor := hw.NewSimMotor()

	timeout := time.Duration(cfg.DoserTimeouts().SensorMs) * time.Millisecond
	if _, err := scale.Read(timeout); err != nil {
		slog.Error("scale read failed", "error", err)
		return fmt.Errorf("scale read failed: %w", err)
	}
	slog.Info("scale read ok")

	if err := motor.Start(); err != nil {
		slog.Error("motor start failed", "error", err)
		return fmt.Errorf("motor start failed: %w", err)
	}
	_ = motor.SetSpeed(0)
	if err := motor.Stop(); err != nil {
		slog.Error("motor stop failed", "error", err)
		return fmt.Errorf("motor stop failed: %w", err)
	}

	slog.Info("self-check ok")
	fmt.Println("OK")
	return nil
}

func runHealth(o opts) error {
	cfg, err := loadConfig(o.configPath, o.configPath != "etc/doser_config.yaml")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("ok doser %s\n", version)
	return nil
}

// humanize maps an error to a "What happened / Likely causes / How to fix"
// block keyed by its kind. Typed matches run first; opaque errors fall back
// to message heuristics.
func humanize(err error) string {
	switch {
	case errors.Is(err, doser.ErrMissingScale):
		return "What happened: No scale was provided to the dosing engine.\n" +
			"Likely causes: Hardware scale failed to initialize or was not wired into the builder.\n" +
			"How to fix: Ensure the scale is created successfully and passed via WithScale."
	case errors.Is(err, doser.ErrMissingMotor):
		return "What happened: No motor was provided to the dosing engine.\n" +
			"Likely causes: Motor driver failed to initialize or was not wired into the builder.\n" +
			"How to fix: Ensure the motor is created successfully and passed via WithMotor."
	case errors.Is(err, doser.ErrMissingTarget):
		return "What happened: Target grams not set.\n" +
			"Likely causes: The CLI did not pass --grams or the builder was not configured.\n" +
			"How to fix: Provide the desired grams (e.g., `doser dose --grams 10`)."
	case errors.Is(err, doser.ErrTimeout):
		return "What happened: Scale read timed out.\n" +
			"Likely causes: Load cell amplifier not wired correctly, no power/ground, or timeout too low.\n" +
			"How to fix: Verify the sensor pins and power, and consider raising timeouts.sample_ms in the config."
	}

	var ice *doser.InvalidConfigError
	if errors.As(err, &ice) {
		return fmt.Sprintf("What happened: Invalid configuration (%s).\n"+
			"Likely causes: Missing or out-of-range values in the YAML.\n"+
			"How to fix: Edit the config file, then rerun. See etc/doser_config.yaml for a sample.", ice.Reason)
	}

	var abort *doser.AbortError
	if errors.As(err, &abort) {
		switch abort.Reason {
		case doser.AbortEstop:
			return "What happened: Emergency stop was triggered.\n" +
				"Likely causes: E-stop button pressed or input pin active.\n" +
				"How to fix: Release E-stop, ensure wiring is correct, then start a new run."
		case doser.AbortNoProgress:
			return "What happened: No progress watchdog tripped.\n" +
				"Likely causes: Jammed auger, empty hopper, or scale not changing within threshold.\n" +
				"How to fix: Check mechanics and materials; adjust safety.no_progress_* in config if needed."
		case doser.AbortMaxRuntime:
			return "What happened: Max run time was exceeded.\n" +
				"Likely causes: Too conservative speeds, high target, or stalls.\n" +
				"How to fix: Increase safety.max_run_ms or adjust speeds/target."
		case doser.AbortOvershoot:
			return "What happened: Overshoot beyond safety limit.\n" +
				"Likely causes: Inertia or too high coarse/fine speed near target.\n" +
				"How to fix: Lower speeds or increase safety.max_overshoot_g and tune epsilon/slow_at."
		case doser.AbortMaxAttempts:
			return "What happened: Dosing aborted after maximum attempts.\n" +
				"Likely causes: Conservative settings or unexpected stall in the control loop.\n" +
				"How to fix: Increase attempts or review control/safety settings."
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "calibration csv must have headers") {
		return "Invalid headers in calibration CSV. Expected 'raw,grams'."
	}
	return fmt.Sprintf("Something went wrong.\nHow to fix: Re-run with --log-level debug for details. Original: %s", msg)
}

// formatErrorJSON emits the structured {reason, details?, message} record
// used when --json is enabled.
func formatErrorJSON(err error) string {
	type errRecord struct {
		Reason  string         `json:"reason"`
		Details map[string]any `json:"details,omitempty"`
		Message string         `json:"message"`
	}
	rec := errRecord{Reason: "Error", Message: humanize(err)}
	var abort *doser.AbortError
	if errors.As(err, &abort) {
		switch abort.Reason {
		case doser.AbortEstop:
			rec.Reason = "Estop"
		case doser.AbortNoProgress:
			rec.Reason = "NoProgress"
		case doser.AbortMaxRuntime:
			rec.Reason = "MaxRuntime"
		case doser.AbortOvershoot:
			rec.Reason = "Overshoot"
		case doser.AbortMaxAttempts:
			rec.Reason = "MaxAttempts"
		}
	} else if errors.Is(err, doser.ErrTimeout) {
		rec.Reason = "Timeout"
	}
	b, merr := json.Marshal(rec)
	if merr != nil {
		return fmt.Sprintf(`{"reason":"Error","message":%q}`, err.Error())
	}
	return string(b)
}
