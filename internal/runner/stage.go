package runner

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/errs"

	"github.com/doublemover/kubolti/internal/xplane"
)

// Error is the error class for the runner package.
var Error = errs.Class("runner")

// TargetOrtho4XPVersion is the backend release this orchestrator targets.
const TargetOrtho4XPVersion = "1.40"

var ortho4xpVersionPattern = regexp.MustCompile(`(?i)v(\d+)`)

// StageDEM copies a normalized tile DEM into the backend's
// Elevation_data folder. Every stale file sharing the tile's
// cardinal-letter stem is removed first, regardless of extension, so a
// previous .hgt never lingers next to a new .tif. Returns the staged
// path.
func StageDEM(orthoRoot string, tile xplane.Tile, demPath string) (string, error) {
	destination := xplane.ElevationDataPath(orthoRoot, tile, filepath.Ext(demPath))
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", Error.Wrap(err)
	}
	stem := tile.HGTName()
	stale, err := filepath.Glob(filepath.Join(filepath.Dir(destination), stem+".*"))
	if err == nil {
		for _, candidate := range stale {
			if candidate == destination {
				continue
			}
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				_ = os.Remove(candidate)
			}
		}
	}
	if err := copyFile(demPath, destination); err != nil {
		return "", Error.Wrap(err)
	}
	return destination, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// FindOrtho4XPScript locates the newest Ortho4XP*.py under a root.
func FindOrtho4XPScript(root string) (string, error) {
	if _, err := os.Stat(root); err != nil {
		return "", Error.New("Ortho4XP root not found: %s", root)
	}
	candidates, err := filepath.Glob(filepath.Join(root, "Ortho4XP*.py"))
	if err != nil || len(candidates) == 0 {
		return "", Error.New("no Ortho4XP script found in %s", root)
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}

// Ortho4XPVersion extracts a version string from a script filename, e.g.
// Ortho4XP_v140.py reports "1.40".
func Ortho4XPVersion(scriptPath string) string {
	stem := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	match := ortho4xpVersionPattern.FindStringSubmatch(stem)
	if match == nil {
		return ""
	}
	digits := match[1]
	switch len(digits) {
	case 1:
		return digits + ".0"
	case 2:
		return digits[:1] + "." + digits[1:]
	default:
		return digits[:1] + "." + digits[1:]
	}
}

// CollectOutputs copies tile outputs from the backend's scenery folder
// into the build tree: Earth nav data, config files, terrain, and
// optionally textures.
func CollectOutputs(tileDir, outputDir string, includeTextures bool) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Error.Wrap(err)
	}
	if err := copyTree(filepath.Join(tileDir, "Earth nav data"), filepath.Join(outputDir, "Earth nav data")); err != nil {
		return err
	}
	configs, _ := filepath.Glob(filepath.Join(tileDir, "*.cfg"))
	for _, config := range configs {
		if err := copyFile(config, filepath.Join(outputDir, filepath.Base(config))); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := copyTree(filepath.Join(tileDir, "terrain"), filepath.Join(outputDir, "terrain")); err != nil {
		return err
	}
	if includeTextures {
		if err := copyTree(filepath.Join(tileDir, "textures"), filepath.Join(outputDir, "textures")); err != nil {
			return err
		}
	}
	return nil
}

// copyTree copies a directory recursively; a missing source is a no-op.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return Error.Wrap(err)
	}
	if !info.IsDir() {
		return Error.New("%s: not a directory", src)
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

// CacheCategories are the backend cache roots the clean operation knows.
var CacheCategories = []string{"osm", "elevation", "imagery"}

func cacheRoots(orthoRoot string) map[string]string {
	return map[string]string{
		"osm":       filepath.Join(orthoRoot, "OSM_data"),
		"elevation": filepath.Join(orthoRoot, "Elevation_data"),
		"imagery":   filepath.Join(orthoRoot, "Orthophotos"),
	}
}

// FindTileCacheEntries locates backend cache entries belonging to a tile.
func FindTileCacheEntries(orthoRoot string, tile xplane.Tile, categories []string) map[string][]string {
	selected := categories
	if len(selected) == 0 {
		selected = CacheCategories
	}
	roots := cacheRoots(orthoRoot)
	results := make(map[string][]string, len(selected))
	for _, category := range selected {
		results[category] = nil
		switch category {
		case "elevation":
			dir := filepath.Join(roots[category], tile.Bucket().Name())
			matches, _ := filepath.Glob(filepath.Join(dir, tile.HGTName()+".*"))
			results[category] = matches
		case "osm":
			dir := filepath.Join(roots[category], tile.Bucket().Name())
			matches, _ := filepath.Glob(filepath.Join(dir, "*"+tile.Name()+"*"))
			results[category] = matches
		case "imagery":
			matches, _ := filepath.Glob(filepath.Join(roots[category], "*"+tile.Name()+"*"))
			results[category] = matches
		}
	}
	return results
}

// PurgeTileCacheEntries removes backend cache entries for a tile,
// honoring dry-run. Returns the removed paths by category.
func PurgeTileCacheEntries(orthoRoot string, tile xplane.Tile, categories []string, dryRun bool) map[string][]string {
	entries := FindTileCacheEntries(orthoRoot, tile, categories)
	removed := make(map[string][]string, len(entries))
	for category, paths := range entries {
		removed[category] = paths
		if dryRun {
			continue
		}
		for _, path := range paths {
			_ = os.RemoveAll(path)
		}
	}
	return removed
}
