package dem

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kubolti_normalization_cache_hits_total",
		Help: "The total number of normalization cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kubolti_normalization_cache_misses_total",
		Help: "The total number of normalization cache misses",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kubolti_normalization_cache_evictions_total",
		Help: "The total number of normalization cache entries evicted by clean",
	})
)

const cacheSchemaVersion = 1

// A Fingerprint identifies a file's content. Size and mtime in basic
// provenance mode; SHA-256 added in strict mode.
type Fingerprint struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	MtimeNs int64  `json:"mtime_ns"`
	SHA256  string `json:"sha256,omitempty"`
}

// FingerprintFile fingerprints one file.
func FingerprintFile(path string, withSHA256 bool) (Fingerprint, error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return Fingerprint{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Fingerprint{}, err
	}
	fp := Fingerprint{Path: resolved, Size: info.Size(), MtimeNs: info.ModTime().UnixNano()}
	if withSHA256 {
		digest, err := hashFile(resolved)
		if err != nil {
			return Fingerprint{}, err
		}
		fp.SHA256 = digest
	}
	return fp, nil
}

// FingerprintFiles fingerprints a path collection, sorted by path so the
// cache key is independent of argument order.
func FingerprintFiles(paths []string, withSHA256 bool) ([]Fingerprint, error) {
	fingerprints := make([]Fingerprint, 0, len(paths))
	for _, path := range paths {
		fp, err := FingerprintFile(path, withSHA256)
		if err != nil {
			return nil, err
		}
		fingerprints = append(fingerprints, fp)
	}
	sort.Slice(fingerprints, func(i, j int) bool { return fingerprints[i].Path < fingerprints[j].Path })
	return fingerprints, nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (f Fingerprint) matches(other Fingerprint, validateHashes bool) bool {
	if f.Path != other.Path || f.Size != other.Size || f.MtimeNs != other.MtimeNs {
		return false
	}
	if validateHashes {
		return other.SHA256 != "" && f.SHA256 == other.SHA256
	}
	return true
}

// CacheKeyInputs collects everything that determines a normalized tile
// artifact. Identical inputs yield identical keys across runs and hosts.
type CacheKeyInputs struct {
	SchemaVersion int           `json:"schema_version"`
	Tile          string        `json:"tile"`
	Sources       []Fingerprint `json:"sources"`
	FallbackDEMs  []Fingerprint `json:"fallback_dems,omitempty"`
	AOIs          []Fingerprint `json:"aois,omitempty"`
	TargetCRS     string        `json:"target_crs"`
	ResX          float64       `json:"res_x"`
	ResY          float64       `json:"res_y"`
	Resampling    string        `json:"resampling"`
	DstNoData     *float64      `json:"dst_nodata,omitempty"`
	FillStrategy  string        `json:"fill_strategy"`
	FillValue     float64       `json:"fill_value"`
	Profile       string        `json:"profile,omitempty"`
	Compression   string        `json:"compression,omitempty"`
	StackLayers   []Layer       `json:"stack_layers,omitempty"`
	DstNoDataNaN  bool          `json:"dst_nodata_nan,omitempty"`
}

// Key returns the stable content-addressed cache key. Fingerprint paths
// are reduced to their base names so moving an identical input file to
// another directory does not invalidate the cache; sizes and hashes still
// do, and mtimes do for fingerprints without a content hash.
func (in CacheKeyInputs) Key() (string, error) {
	hashed := in
	hashed.Sources = stripPaths(in.Sources)
	hashed.FallbackDEMs = stripPaths(in.FallbackDEMs)
	hashed.AOIs = stripPaths(in.AOIs)
	// NaN is not representable in JSON; fold it into a marker the hash
	// can still see.
	if hashed.DstNoData != nil && math.IsNaN(*hashed.DstNoData) {
		hashed.DstNoData = nil
		hashed.DstNoDataNaN = true
	}
	payload, err := json.Marshal(hashed)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:]), nil
}

func stripPaths(fingerprints []Fingerprint) []Fingerprint {
	out := make([]Fingerprint, len(fingerprints))
	for i, fp := range fingerprints {
		fp.Path = filepath.Base(fp.Path)
		// With a content hash the mtime adds nothing but host noise:
		// byte-identical inputs must key identically across machines.
		if fp.SHA256 != "" {
			fp.MtimeNs = 0
		}
		out[i] = fp
	}
	return out
}

// A Cache is the content-addressed store of normalized tile artifacts.
// Entries are write-once: writes go through a temp file and rename so
// concurrent readers never observe partial artifacts.
type Cache struct {
	Root string
	// ValidateHashes switches lookup to content-hash verification of the
	// cached artifact instead of fingerprint-only.
	ValidateHashes bool
}

type cacheMeta struct {
	SchemaVersion int             `json:"schema_version"`
	Inputs        CacheKeyInputs  `json:"inputs"`
	Artifact      Fingerprint     `json:"artifact"`
	NoData        *float64        `json:"nodata,omitempty"`
	NoDataNaN     bool            `json:"nodata_nan,omitempty"`
	Coverage      CoverageMetrics `json:"coverage"`
}

func (m cacheMeta) nodata() *float64 {
	if m.NoDataNaN {
		nan := math.NaN()
		return &nan
	}
	return m.NoData
}

func (c *Cache) entryDir(key, tile string) string {
	return filepath.Join(c.Root, "cache", key[:12], tile)
}

// Lookup returns the cached artifact path and its coverage metrics for
// the given inputs, or ok=false on a miss or an inconsistent entry.
func (c *Cache) Lookup(inputs CacheKeyInputs) (string, *float64, CoverageMetrics, bool) {
	key, err := inputs.Key()
	if err != nil {
		return "", nil, CoverageMetrics{}, false
	}
	dir := c.entryDir(key, inputs.Tile)
	payload, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		cacheMisses.Inc()
		return "", nil, CoverageMetrics{}, false
	}
	var meta cacheMeta
	if err := json.Unmarshal(payload, &meta); err != nil || meta.SchemaVersion != cacheSchemaVersion {
		cacheMisses.Inc()
		return "", nil, CoverageMetrics{}, false
	}
	artifact := filepath.Join(dir, inputs.Tile+".tif")
	current, err := FingerprintFile(artifact, c.ValidateHashes)
	if err != nil || !current.matches(meta.Artifact, c.ValidateHashes) {
		cacheMisses.Inc()
		return "", nil, CoverageMetrics{}, false
	}
	// Touch the entry so best-effort LRU cleaning sees recent use.
	now := time.Now()
	_ = os.Chtimes(dir, now, now)
	cacheHits.Inc()
	return artifact, meta.nodata(), meta.Coverage, true
}

// Store copies a freshly normalized artifact into the cache and records
// its metadata. Returns the cached artifact path.
func (c *Cache) Store(inputs CacheKeyInputs, artifactPath string, nodata *float64, coverage CoverageMetrics) (string, error) {
	key, err := inputs.Key()
	if err != nil {
		return "", err
	}
	dir := c.entryDir(key, inputs.Tile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	cached := filepath.Join(dir, inputs.Tile+".tif")
	if err := copyFileAtomic(artifactPath, cached); err != nil {
		return "", err
	}
	artifactFP, err := FingerprintFile(cached, c.ValidateHashes)
	if err != nil {
		return "", err
	}
	meta := cacheMeta{
		SchemaVersion: cacheSchemaVersion,
		Inputs:        inputs,
		Artifact:      artifactFP,
		NoData:        nodata,
		Coverage:      coverage,
	}
	if nodata != nil && math.IsNaN(*nodata) {
		meta.NoData = nil
		meta.NoDataNaN = true
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, "meta.json"), payload); err != nil {
		return "", err
	}
	return cached, nil
}

// Clean removes the oldest cache entries until at most keep remain.
// Never called automatically during a run.
func (c *Cache) Clean(keep int) (int, error) {
	root := filepath.Join(c.Root, "cache")
	type entry struct {
		dir   string
		mtime int64
	}
	var entries []entry
	prefixes, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		tiles, err := os.ReadDir(filepath.Join(root, prefix.Name()))
		if err != nil {
			continue
		}
		for _, tile := range tiles {
			if !tile.IsDir() {
				continue
			}
			dir := filepath.Join(root, prefix.Name(), tile.Name())
			info, err := tile.Info()
			if err != nil {
				continue
			}
			entries = append(entries, entry{dir: dir, mtime: info.ModTime().UnixNano()})
		}
	}
	if len(entries) <= keep {
		return 0, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime < entries[j].mtime })
	removed := 0
	for _, victim := range entries[:len(entries)-keep] {
		if err := os.RemoveAll(victim.dir); err != nil {
			continue
		}
		cacheEvictions.Inc()
		removed++
	}
	return removed, nil
}

func copyFileAtomic(src, dst string) error {
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

func writeFileAtomic(path string, payload []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CopyArtifact copies a cached artifact to its canonical normalized
// location.
func CopyArtifact(src, dst string) error {
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFileAtomic(src, dst)
}
