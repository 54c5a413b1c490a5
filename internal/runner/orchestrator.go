package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/doublemover/kubolti/internal/tool"
	"github.com/doublemover/kubolti/internal/xplane"
)

var (
	runnerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kubolti_runner_retries_total",
		Help: "The total number of backend retry-ladder attempts",
	})
	runnerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kubolti_runner_failures_total",
		Help: "The total number of terminal backend failures",
	})
)

// configFileMu serializes config patch/restore across workers: the
// backend reads a single global Ortho4XP.cfg, so invocations that patch
// it cannot overlap.
var configFileMu sync.Mutex

// Options configures the orchestrator.
type Options struct {
	// RunnerCommand is the user-provided command vector. Tokens are never
	// flattened, so wrapper prefixes survive.
	RunnerCommand tool.Command
	OrthoRoot     string
	SceneryRoot   string
	OutputDir     string
	// SourceRoot is prepended to the interpreter module path so the
	// bundled runner script is importable by the subprocess.
	SourceRoot string

	Timeout         time.Duration
	WatchdogTimeout time.Duration
	Grace           time.Duration

	// PersistConfig disables config restoration after the run.
	PersistConfig bool
	SkipDEMStage  bool
	CopyTextures  bool
	ExtraArgs     []string
	ConfigUpdates map[string]string
	// MaxRetries bounds the retry ladder.
	MaxRetries int
}

// An Outcome reports one tile's backend run.
type Outcome struct {
	Tile      string       `json:"tile"`
	Attempts  int          `json:"attempts"`
	ExitCode  int          `json:"exit_code"`
	TimedOut  bool         `json:"timed_out"`
	Transient bool         `json:"transient"`
	StagedDEM string       `json:"staged_dem,omitempty"`
	Command   tool.Command `json:"command"`
	DSFPath   string       `json:"dsf_path,omitempty"`
	Events    EventLog     `json:"-"`
}

// OK reports whether the final attempt succeeded.
func (o Outcome) OK() bool { return o.ExitCode == 0 }

// An Orchestrator invokes the mesh backend per tile with deterministic
// staging and restoration.
type Orchestrator struct {
	log  *zap.Logger
	opts Options
}

// New returns an orchestrator.
func New(log *zap.Logger, opts Options) (*Orchestrator, error) {
	if !opts.RunnerCommand.Valid() {
		return nil, Error.New("runner command is required")
	}
	if opts.OrthoRoot == "" {
		return nil, Error.New("Ortho4XP root is required")
	}
	if opts.SceneryRoot == "" {
		opts.SceneryRoot = filepath.Join(opts.OrthoRoot, "Custom Scenery")
	}
	if opts.Grace == 0 {
		opts.Grace = 10 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Orchestrator{log: log, opts: opts}, nil
}

// buildCommand assembles the backend argv. A script that understands
// flag arguments gets --tile/--output; older scripts get positional
// lat lon.
func (o *Orchestrator) buildCommand(tile xplane.Tile) tool.Command {
	command := tool.ResolveScript(o.opts.RunnerCommand)
	if o.scriptSupportsFlags(command) {
		command = command.WithArgs(o.opts.ExtraArgs...)
		command = command.WithArgs("--tile", tile.Name(), "--output", o.opts.OutputDir)
		return command
	}
	command = command.WithArgs(strconv.Itoa(tile.Lat), strconv.Itoa(tile.Lon))
	for _, arg := range o.opts.ExtraArgs {
		if !strings.HasPrefix(arg, "-") {
			command = command.WithArgs(arg)
		}
	}
	return command
}

func (o *Orchestrator) scriptSupportsFlags(command tool.Command) bool {
	script := ""
	for _, token := range command {
		if strings.EqualFold(filepath.Ext(token), ".py") {
			script = token
		}
	}
	if script == "" {
		return true
	}
	content, err := os.ReadFile(script)
	if err != nil {
		return false
	}
	text := string(content)
	return strings.Contains(text, "--tile") || strings.Contains(text, "--batch") || strings.Contains(text, "--output")
}

// env returns the subprocess environment with the source root prepended
// to PYTHONPATH.
func (o *Orchestrator) env() []string {
	env := os.Environ()
	if o.opts.SourceRoot == "" {
		return env
	}
	const key = "PYTHONPATH="
	for i, entry := range env {
		if strings.HasPrefix(entry, key) {
			existing := entry[len(key):]
			parts := []string{o.opts.SourceRoot}
			for _, part := range filepath.SplitList(existing) {
				if part != "" && part != o.opts.SourceRoot {
					parts = append(parts, part)
				}
			}
			env[i] = key + strings.Join(parts, string(os.PathListSeparator))
			return env
		}
	}
	return append(env, key+o.opts.SourceRoot)
}

// ladder returns the retry rungs for a recognized transient failure:
// progressively lower minimum angle, then relaxed area constraints. Only
// rungs strictly below the configured base angle are kept.
func (o *Orchestrator) ladder(baseMinAngle *float64) []map[string]string {
	type rung struct {
		minAngle     float64
		curvatureTol string
	}
	rungs := []rung{{minAngle: 5}, {minAngle: 0}, {minAngle: 0, curvatureTol: "doubled"}}
	var out []map[string]string
	for _, r := range rungs {
		if baseMinAngle != nil && r.minAngle >= *baseMinAngle {
			continue
		}
		updates := map[string]string{
			"min_angle": strconv.FormatFloat(r.minAngle, 'g', -1, 64),
		}
		if r.curvatureTol == "doubled" {
			base := 2.0
			if raw, ok := o.opts.ConfigUpdates["curvature_tol"]; ok {
				if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
					base = parsed
				}
			}
			updates["curvature_tol"] = strconv.FormatFloat(base*2, 'g', -1, 64)
		}
		out = append(out, updates)
	}
	if len(out) > o.opts.MaxRetries {
		out = out[:o.opts.MaxRetries]
	}
	return out
}

func (o *Orchestrator) baseMinAngle() *float64 {
	if raw, ok := o.opts.ConfigUpdates["min_angle"]; ok {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			return &parsed
		}
		return nil
	}
	values := ReadConfigValues(o.configPath())
	if raw, ok := values["min_angle"]; ok {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			return &parsed
		}
	}
	return nil
}

func (o *Orchestrator) configPath() string {
	return filepath.Join(o.opts.OrthoRoot, "Ortho4XP.cfg")
}

// RunTile stages the tile DEM, invokes the backend, and applies the
// retry ladder on recognized transient failures. Config restoration is
// guaranteed on every exit path where a patch was applied, unless
// persist-config is set.
func (o *Orchestrator) RunTile(ctx context.Context, tile xplane.Tile, demPath string) (Outcome, error) {
	log := o.log.With(zap.String("tile", tile.Name()))
	outcome := Outcome{Tile: tile.Name(), ExitCode: -1}
	outcome.Events = EventLog{
		SchemaVersion: EventsSchemaVersion,
		Runner:        "ortho4xp",
		Tile:          tile.Name(),
	}

	if !o.opts.SkipDEMStage {
		staged, err := StageDEM(o.opts.OrthoRoot, tile, demPath)
		if err != nil {
			return outcome, err
		}
		outcome.StagedDEM = staged
		log.Debug("staged tile DEM", zap.String("path", staged))
	}

	command := o.buildCommand(tile)
	outcome.Command = command

	baseMinAngle := o.baseMinAngle()
	attemptUpdates := []map[string]string{o.opts.ConfigUpdates}

	var attemptDiffs []map[string]ConfigChange
	var result tool.Result
	var events []Event
	for attemptIndex := 0; attemptIndex < len(attemptUpdates); attemptIndex++ {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		attempt := attemptIndex + 1
		result, events = o.runAttempt(ctx, tile, command, attemptUpdates[attemptIndex], attempt, &attemptDiffs)
		outcome.Attempts = attempt
		outcome.Events.Attempts = append(outcome.Events.Attempts, Attempt{Events: events})
		outcome.ExitCode = result.ExitCode
		outcome.TimedOut = result.TimedOut
		if result.ExitCode == 0 {
			break
		}
		if !HasTriangleFailure(events) {
			break
		}
		outcome.Transient = true
		// Extend the ladder lazily so a clean first run never computes it.
		if attemptIndex == 0 {
			for _, rungUpdates := range o.ladder(baseMinAngle) {
				merged := make(map[string]string, len(o.opts.ConfigUpdates)+len(rungUpdates))
				for key, value := range o.opts.ConfigUpdates {
					merged[key] = value
				}
				for key, value := range rungUpdates {
					merged[key] = value
				}
				attemptUpdates = append(attemptUpdates, merged)
			}
		}
		if attemptIndex+1 < len(attemptUpdates) {
			runnerRetries.Inc()
			log.Warn("retrying after triangulation failure",
				zap.Int("attempt", attempt+1),
				zap.String("min_angle", attemptUpdates[attemptIndex+1]["min_angle"]),
			)
		}
	}

	o.writeEventLog(tile, outcome.Events)
	o.writeConfigLog(tile, attemptDiffs)
	o.writeRunLog(tile, outcome, command)

	if result.ExitCode != 0 {
		runnerFailures.Inc()
		return outcome, nil
	}

	dsf := xplane.DSFPath(xplane.SceneryTileDir(o.opts.SceneryRoot, tile), tile)
	if _, err := os.Stat(dsf); err == nil {
		if err := CollectOutputs(xplane.SceneryTileDir(o.opts.SceneryRoot, tile), o.opts.OutputDir, o.opts.CopyTextures); err != nil {
			return outcome, err
		}
		outcome.DSFPath = xplane.DSFPath(o.opts.OutputDir, tile)
	}
	return outcome, nil
}

// runAttempt patches the config, launches one invocation, and restores
// the config on every exit path.
func (o *Orchestrator) runAttempt(ctx context.Context, tile xplane.Tile, command tool.Command, updates map[string]string, attempt int, diffs *[]map[string]ConfigChange) (tool.Result, []Event) {
	parser := NewParser()
	suffix := ""
	if attempt > 1 {
		suffix = fmt.Sprintf(".attempt%d", attempt)
	}

	runOpts := tool.RunOptions{
		Dir:             o.opts.OrthoRoot,
		Env:             o.env(),
		Timeout:         o.opts.Timeout,
		WatchdogTimeout: o.opts.WatchdogTimeout,
		Grace:           o.opts.Grace,
		StdoutPath:      xplane.RunnerLogPath(o.opts.OutputDir, tile, suffix+".stdout.log"),
		StderrPath:      xplane.RunnerLogPath(o.opts.OutputDir, tile, suffix+".stderr.log"),
		OnLine:          func(stream, line string) { parser.Feed(stream, line) },
	}

	var result tool.Result
	func() {
		configFileMu.Lock()
		defer configFileMu.Unlock()

		patched := false
		var snapshot ConfigSnapshot
		if len(updates) > 0 {
			var err error
			snapshot, err = PatchConfig(o.configPath(), updates)
			if err != nil {
				result = tool.Result{Command: command, ExitCode: -1, Err: err}
				return
			}
			patched = true
			*diffs = append(*diffs, ConfigDiff(snapshot))
		}
		defer func() {
			if patched && !o.opts.PersistConfig {
				if err := snapshot.Restore(); err != nil {
					o.log.Error("config restore failed", zap.String("tile", tile.Name()), zap.Error(err))
				}
			}
		}()

		result = tool.Run(ctx, command, runOpts)
	}()
	return result, parser.Events()
}

func (o *Orchestrator) writeEventLog(tile xplane.Tile, log EventLog) {
	path := xplane.RunnerLogPath(o.opts.OutputDir, tile, ".events.json")
	if err := WriteEventLog(path, log); err != nil {
		o.log.Warn("event log write failed", zap.String("tile", tile.Name()), zap.Error(err))
	}
}

// writeConfigLog preserves the per-tile config changes for provenance.
func (o *Orchestrator) writeConfigLog(tile xplane.Tile, diffs []map[string]ConfigChange) {
	payload := struct {
		Attempts []map[string]ConfigChange `json:"attempts"`
		Final    map[string]string         `json:"final"`
	}{
		Attempts: diffs,
		Final:    redactValues(ReadConfigValues(o.configPath())),
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	path := xplane.RunnerLogPath(o.opts.OutputDir, tile, ".config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, append(encoded, '\n'), 0o644)
}

func redactValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for key, value := range values {
		if isSensitiveKey(key) {
			out[key] = "<redacted>"
			continue
		}
		out[key] = value
	}
	return out
}

// writeRunLog writes the human-readable per-tile summary: the final
// command and an event digest.
func (o *Orchestrator) writeRunLog(tile xplane.Tile, outcome Outcome, command tool.Command) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "command: %s\n", command)
	fmt.Fprintf(&sb, "attempts: %d\n", outcome.Attempts)
	fmt.Fprintf(&sb, "exit_code: %d\n", outcome.ExitCode)
	if outcome.TimedOut {
		sb.WriteString("timed_out: true\n")
	}
	if outcome.StagedDEM != "" {
		fmt.Fprintf(&sb, "staged_dem: %s\n", outcome.StagedDEM)
	}
	for attemptIndex, attempt := range outcome.Events.Attempts {
		counts := map[string]int{}
		for _, event := range attempt.Events {
			counts[event.Kind]++
		}
		fmt.Fprintf(&sb, "attempt %d events:", attemptIndex+1)
		for _, kind := range []string{KindStep1, KindStep2, KindStep3, KindOverlay, KindTriangleFail, KindDownload, KindGeneric} {
			if counts[kind] > 0 {
				fmt.Fprintf(&sb, " %s=%d", kind, counts[kind])
			}
		}
		sb.WriteString("\n")
	}
	path := xplane.RunnerLogPath(o.opts.OutputDir, tile, ".run.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(sb.String()), 0o644)
}
