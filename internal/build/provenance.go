package build

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/doublemover/kubolti/internal/dem"
	"github.com/doublemover/kubolti/internal/tool"
)

// Provenance levels.
const (
	ProvenanceBasic  = "basic"
	ProvenanceStrict = "strict"
)

// ParseProvenanceLevel validates a provenance level.
func ParseProvenanceLevel(value string) (string, error) {
	switch value {
	case "", ProvenanceBasic:
		return ProvenanceBasic, nil
	case ProvenanceStrict:
		return ProvenanceStrict, nil
	default:
		return "", ErrInvalidInput.New("provenance level must be basic or strict")
	}
}

// A Provenance block records what went into a build: input fingerprints,
// tool identities, environment, and pinned-version drift.
type Provenance struct {
	Level          string             `json:"level"`
	StableMetadata bool               `json:"stable_metadata"`
	Inputs         ProvenanceInputs   `json:"inputs"`
	Tools          map[string]any     `json:"tools"`
	Environment    ProvenanceEnv      `json:"environment"`
	Assumptions    map[string]string  `json:"assumptions"`
	Coverage       ProvenanceCoverage `json:"coverage"`
	PinnedVersions map[string]string  `json:"pinned_versions,omitempty"`
	Drift          []string           `json:"drift,omitempty"`
}

// ProvenanceInputs fingerprints the DEM inputs.
type ProvenanceInputs struct {
	DEMs         []dem.Fingerprint `json:"dems"`
	FallbackDEMs []dem.Fingerprint `json:"fallback_dems,omitempty"`
	DEMStackPath string            `json:"dem_stack_path,omitempty"`
}

// ProvenanceEnv records the build host environment.
type ProvenanceEnv struct {
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// ProvenanceCoverage summarizes coverage across tiles.
type ProvenanceCoverage struct {
	MetricsEnabled bool     `json:"metrics_enabled"`
	MinCoverage    *float64 `json:"min_coverage,omitempty"`
	HardFail       bool     `json:"hard_fail"`
	Summary        *CoverageSummary `json:"summary,omitempty"`
}

// A CoverageSummary aggregates per-tile coverage metrics.
type CoverageSummary struct {
	TileCount             int     `json:"tile_count"`
	CoverageBeforeMin     float64 `json:"coverage_before_min"`
	CoverageBeforeAvg     float64 `json:"coverage_before_avg"`
	CoverageAfterMin      float64 `json:"coverage_after_min"`
	CoverageAfterAvg      float64 `json:"coverage_after_avg"`
	NormalizeSecondsTotal float64 `json:"normalize_seconds_total"`
}

// SummarizeCoverage aggregates per-tile metrics, nil when empty.
func SummarizeCoverage(metrics map[string]dem.CoverageMetrics) *CoverageSummary {
	if len(metrics) == 0 {
		return nil
	}
	summary := &CoverageSummary{TileCount: len(metrics), CoverageBeforeMin: 1, CoverageAfterMin: 1}
	for _, m := range metrics {
		summary.CoverageBeforeMin = min(summary.CoverageBeforeMin, m.CoverageBefore)
		summary.CoverageAfterMin = min(summary.CoverageAfterMin, m.CoverageAfter)
		summary.CoverageBeforeAvg += m.CoverageBefore
		summary.CoverageAfterAvg += m.CoverageAfter
		summary.NormalizeSecondsTotal += m.NormalizeSeconds
	}
	summary.CoverageBeforeAvg /= float64(len(metrics))
	summary.CoverageAfterAvg /= float64(len(metrics))
	return summary
}

// ProvenanceOptions configures provenance collection.
type ProvenanceOptions struct {
	Level         string
	Deterministic bool
	DEMs          []string
	FallbackDEMs  []string
	DEMStackPath  string
	RunnerCommand tool.Command
	DSFToolCmd    tool.Command
	OrthoRoot     string
	CoverageMin   *float64
	HardFail      bool
	// PinnedVersionsPath points at a {tool: version} JSON document.
	PinnedVersionsPath string
	VerticalUnits      string
}

var versionDigits = regexp.MustCompile(`\d+`)

// CollectProvenance builds the provenance block. Returned warnings cover
// pinned-version drift and unreadable inputs.
func CollectProvenance(opts ProvenanceOptions, coverage map[string]dem.CoverageMetrics) (*Provenance, []string) {
	level, err := ParseProvenanceLevel(opts.Level)
	if err != nil {
		level = ProvenanceBasic
	}
	strict := level == ProvenanceStrict
	var warnings []string

	fingerprint := func(paths []string) []dem.Fingerprint {
		fps, err := dem.FingerprintFiles(paths, strict)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("provenance fingerprinting incomplete: %v", err))
			return nil
		}
		return fps
	}

	provenance := &Provenance{
		Level:          level,
		StableMetadata: opts.Deterministic,
		Inputs: ProvenanceInputs{
			DEMs:         fingerprint(opts.DEMs),
			FallbackDEMs: fingerprint(opts.FallbackDEMs),
			DEMStackPath: opts.DEMStackPath,
		},
		Tools: map[string]any{},
		Environment: ProvenanceEnv{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
		},
		Assumptions: map[string]string{
			// Vertical datum transformation is recorded, never applied.
			"vertical_units": firstNonEmpty(opts.VerticalUnits, "meters"),
		},
		Coverage: ProvenanceCoverage{
			MetricsEnabled: true,
			MinCoverage:    opts.CoverageMin,
			HardFail:       opts.HardFail,
			Summary:        SummarizeCoverage(coverage),
		},
	}

	if opts.RunnerCommand.Valid() {
		info := map[string]any{"command": opts.RunnerCommand}
		if resolved := resolveCommandPath(opts.RunnerCommand); resolved != "" {
			info["resolved_path"] = resolved
		}
		provenance.Tools["runner"] = info
	}
	if opts.DSFToolCmd.Valid() {
		info := map[string]any{"command": opts.DSFToolCmd, "executable": opts.DSFToolCmd[len(opts.DSFToolCmd)-1]}
		if resolved := resolveCommandPath(opts.DSFToolCmd); resolved != "" {
			info["resolved_path"] = resolved
		}
		provenance.Tools["dsftool"] = info
	}
	if opts.OrthoRoot != "" {
		if script, err := findOrthoScript(opts.OrthoRoot); err == nil {
			info := map[string]any{"script_path": script}
			if version := orthoVersionFromName(script); version != "" {
				info["version"] = version
			}
			if strict {
				if commit := gitCommitForPath(filepath.Dir(script)); commit != "" {
					info["git_commit"] = commit
				}
			}
			provenance.Tools["ortho4xp"] = info
		}
	}

	if opts.PinnedVersionsPath != "" {
		pinned, err := loadPinnedVersions(opts.PinnedVersionsPath)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("pinned versions unreadable: %v", err))
		} else {
			provenance.PinnedVersions = pinned
			observed := observedVersions(provenance)
			names := make([]string, 0, len(pinned))
			for name := range pinned {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				got, ok := observed[name]
				if !ok {
					continue
				}
				if want := pinned[name]; !versionMatches(want, got) {
					drift := fmt.Sprintf("%s: pinned %s, observed %s", name, want, got)
					provenance.Drift = append(provenance.Drift, drift)
					warnings = append(warnings, "version drift: "+drift)
				}
			}
		}
	}
	return provenance, warnings
}

func observedVersions(provenance *Provenance) map[string]string {
	observed := map[string]string{"go": provenance.Environment.GoVersion}
	if info, ok := provenance.Tools["ortho4xp"].(map[string]any); ok {
		if version, ok := info["version"].(string); ok {
			observed["ortho4xp"] = version
		}
	}
	return observed
}

// versionMatches compares a pinned version against an observed one: a
// trailing "+" means at-least, otherwise prefix equality on components.
func versionMatches(pinned, actual string) bool {
	if minimum, ok := strings.CutSuffix(pinned, "+"); ok {
		return compareVersions(actual, minimum) >= 0
	}
	pinnedParts := versionDigits.FindAllString(pinned, 3)
	actualParts := versionDigits.FindAllString(actual, 3)
	if len(actualParts) < len(pinnedParts) {
		return false
	}
	for i, part := range pinnedParts {
		if actualParts[i] != part {
			return false
		}
	}
	return true
}

func compareVersions(a, b string) int {
	aParts := versionDigits.FindAllString(a, 3)
	bParts := versionDigits.FindAllString(b, 3)
	for i := 0; i < len(aParts) && i < len(bParts); i++ {
		aValue, _ := strconv.Atoi(aParts[i])
		bValue, _ := strconv.Atoi(bParts[i])
		if aValue != bValue {
			if aValue < bValue {
				return -1
			}
			return 1
		}
	}
	return len(aParts) - len(bParts)
}

func loadPinnedVersions(path string) (map[string]string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pinned map[string]string
	if err := json.Unmarshal(payload, &pinned); err != nil {
		return nil, err
	}
	return pinned, nil
}

func resolveCommandPath(command tool.Command) string {
	for i := len(command) - 1; i >= 0; i-- {
		if _, err := os.Stat(command[i]); err == nil {
			abs, err := filepath.Abs(command[i])
			if err == nil {
				return abs
			}
			return command[i]
		}
	}
	if resolved, err := exec.LookPath(command[0]); err == nil {
		return resolved
	}
	return ""
}

func findOrthoScript(root string) (string, error) {
	candidates, err := filepath.Glob(filepath.Join(root, "Ortho4XP*.py"))
	if err != nil || len(candidates) == 0 {
		return "", fmt.Errorf("no Ortho4XP script in %s", root)
	}
	return candidates[len(candidates)-1], nil
}

var orthoVersionPattern = regexp.MustCompile(`(?i)v(\d+)`)

func orthoVersionFromName(scriptPath string) string {
	stem := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	match := orthoVersionPattern.FindStringSubmatch(stem)
	if match == nil {
		return ""
	}
	digits := match[1]
	if len(digits) == 1 {
		return digits + ".0"
	}
	return digits[:1] + "." + digits[1:]
}

// gitCommitForPath reads the HEAD commit of the checkout containing
// path, without shelling out to git.
func gitCommitForPath(path string) string {
	for dir := path; ; dir = filepath.Dir(dir) {
		gitDir := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
			head, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
			if err != nil {
				return ""
			}
			value := strings.TrimSpace(string(head))
			if ref, ok := strings.CutPrefix(value, "ref: "); ok {
				commit, err := os.ReadFile(filepath.Join(gitDir, filepath.FromSlash(ref)))
				if err != nil {
					return ""
				}
				return strings.TrimSpace(string(commit))
			}
			return value
		}
		if filepath.Dir(dir) == dir {
			return ""
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
