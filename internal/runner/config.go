package runner

import (
	"os"
	"sort"
	"strings"
)

// A ConfigSnapshot preserves a config file's pre-patch state. Absence of
// the file is a distinct state from an empty file, and restore honors it.
type ConfigSnapshot struct {
	Path    string
	Existed bool
	Content string
}

// SnapshotConfig captures the current state of a config file.
func SnapshotConfig(path string) (ConfigSnapshot, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ConfigSnapshot{Path: path, Existed: false}, nil
		}
		return ConfigSnapshot{}, Error.Wrap(err)
	}
	return ConfigSnapshot{Path: path, Existed: true, Content: string(payload)}, nil
}

// Restore returns the config file to its snapshot state: rewrite the
// original content, or delete the file when it did not exist.
func (s ConfigSnapshot) Restore() error {
	if !s.Existed {
		err := os.Remove(s.Path)
		if err != nil && !os.IsNotExist(err) {
			return Error.Wrap(err)
		}
		return nil
	}
	return Error.Wrap(os.WriteFile(s.Path, []byte(s.Content), 0o644))
}

// PatchConfig rewrites key=value entries in an Ortho4XP-style config
// file, appending keys it does not find. Returns the pre-patch snapshot.
func PatchConfig(path string, updates map[string]string) (ConfigSnapshot, error) {
	snapshot, err := SnapshotConfig(path)
	if err != nil {
		return ConfigSnapshot{}, err
	}
	if len(updates) == 0 {
		return snapshot, nil
	}

	var lines []string
	if snapshot.Existed {
		lines = strings.Split(strings.TrimRight(snapshot.Content, "\n"), "\n")
		if len(lines) == 1 && lines[0] == "" {
			lines = nil
		}
	}
	remaining := make(map[string]string, len(updates))
	for key, value := range updates {
		remaining[key] = value
	}
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") || !strings.Contains(stripped, "=") {
			continue
		}
		key := strings.TrimSpace(strings.SplitN(stripped, "=", 2)[0])
		if value, ok := remaining[key]; ok {
			lines[i] = key + "=" + value
			delete(remaining, key)
		}
	}
	appended := make([]string, 0, len(remaining))
	for key := range remaining {
		appended = append(appended, key)
	}
	sort.Strings(appended)
	for _, key := range appended {
		lines = append(lines, key+"="+remaining[key])
	}

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return ConfigSnapshot{}, Error.Wrap(err)
	}
	return snapshot, nil
}

// ReadConfigValues parses key=value entries from a config file, dropping
// comments and quote wrappers. A missing file yields an empty map.
func ReadConfigValues(path string) map[string]string {
	payload, err := os.ReadFile(path)
	if err != nil {
		return map[string]string{}
	}
	values := make(map[string]string)
	for _, rawLine := range strings.Split(string(payload), "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if index := strings.Index(line, "#"); index >= 0 {
			line = strings.TrimSpace(line[:index])
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return values
}

// sensitiveConfigTokens flags keys whose values never land in logs.
var sensitiveConfigTokens = []string{"key", "token", "secret", "pass", "auth", "license"}

func isSensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, token := range sensitiveConfigTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

// A ConfigChange records one patched key for provenance.
type ConfigChange struct {
	Before *string `json:"before"`
	After  string  `json:"after"`
}

// ConfigDiff compares a snapshot against the patched file, redacting
// sensitive values.
func ConfigDiff(snapshot ConfigSnapshot) map[string]ConfigChange {
	original := parseConfigValues(snapshot.Content)
	if !snapshot.Existed {
		original = map[string]string{}
	}
	updated := ReadConfigValues(snapshot.Path)
	diff := make(map[string]ConfigChange)
	for key, after := range updated {
		before, had := original[key]
		if had && before == after {
			continue
		}
		change := ConfigChange{After: after}
		if had {
			beforeCopy := before
			change.Before = &beforeCopy
		}
		if isSensitiveKey(key) {
			change.After = "<redacted>"
			if change.Before != nil {
				redacted := "<redacted>"
				change.Before = &redacted
			}
		}
		diff[key] = change
	}
	return diff
}

func parseConfigValues(content string) map[string]string {
	values := make(map[string]string)
	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return values
}
