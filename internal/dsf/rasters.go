package dsf

import (
	"regexp"
	"strconv"
	"strings"
)

// ExpectedSeasonRasters is how many season layers XP12 global scenery
// carries.
const ExpectedSeasonRasters = 8

var (
	seasonTokens = []string{"season", "spring", "summer", "autumn", "fall", "winter"}
	soundTokens  = []string{"sound", "soundscape"}
	quotedName   = regexp.MustCompile(`"([^"]+)"`)
)

// A RasterBlock is the group of raster lines sharing one index in a DSF
// text file.
type RasterBlock struct {
	Name  string
	Index int
	Lines []string
}

// ParseRasterNames extracts raster layer names from DSFTool text output,
// preserving first-seen order.
func ParseRasterNames(text string) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || !strings.Contains(strings.ToLower(line), "raster") {
			continue
		}
		if match := quotedName.FindStringSubmatch(line); match != nil {
			add(match[1])
			continue
		}
		for _, token := range strings.Fields(line) {
			lower := strings.ToLower(strings.TrimSuffix(token, ","))
			if lower == "raster" || strings.HasPrefix(lower, "raster_") {
				continue
			}
			if strings.HasPrefix(lower, "#") {
				break
			}
			if _, err := strconv.ParseFloat(lower, 64); err == nil {
				continue
			}
			if strings.Contains(lower, "=") {
				continue
			}
			if strings.ContainsFunc(lower, func(r rune) bool { return r >= 'a' && r <= 'z' }) {
				add(strings.TrimSuffix(token, ","))
				break
			}
		}
	}
	return names
}

// ExtractRasterBlocks groups raster_* lines by index, keyed by raster
// name.
func ExtractRasterBlocks(text string) map[string]RasterBlock {
	type pending struct {
		name  string
		lines []string
	}
	blocks := make(map[int]*pending)
	var order []int
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		keyword := strings.ToLower(fields[0])
		if !strings.HasPrefix(keyword, "raster_") {
			continue
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		if keyword == "raster_def" {
			name := ""
			if match := quotedName.FindStringSubmatch(line); match != nil {
				name = match[1]
			} else {
				for _, token := range fields[2:] {
					candidate := strings.TrimSuffix(token, ",")
					if strings.ContainsFunc(candidate, func(r rune) bool {
						return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
					}) {
						name = candidate
						break
					}
				}
			}
			if name == "" {
				continue
			}
			blocks[index] = &pending{name: name, lines: []string{rawLine}}
			order = append(order, index)
			continue
		}
		if block, ok := blocks[index]; ok {
			block.lines = append(block.lines, rawLine)
		}
	}
	results := make(map[string]RasterBlock, len(order))
	for _, index := range order {
		block := blocks[index]
		results[block.name] = RasterBlock{Name: block.name, Index: index, Lines: block.lines}
	}
	return results
}

// RewriteRasterLines updates the index token of raster_* lines.
func RewriteRasterLines(lines []string, newIndex int) []string {
	updated := make([]string, 0, len(lines))
	for _, rawLine := range lines {
		fields := strings.Fields(rawLine)
		if len(fields) > 1 && strings.HasPrefix(strings.ToLower(fields[0]), "raster_") {
			if _, err := strconv.Atoi(fields[1]); err == nil {
				fields[1] = strconv.Itoa(newIndex)
				rawLine = strings.Join(fields, " ")
			}
		}
		updated = append(updated, rawLine)
	}
	return updated
}

// A RasterSummary describes the XP12 layers present in a DSF.
type RasterSummary struct {
	RasterNames           []string `json:"raster_names"`
	SoundscapePresent     bool     `json:"soundscape_present"`
	SeasonRasterCount     int      `json:"season_raster_count"`
	SeasonRasterExpected  int      `json:"season_raster_expected"`
}

// SummarizeRasters classifies raster names into XP12 layer families.
func SummarizeRasters(names []string) RasterSummary {
	summary := RasterSummary{SeasonRasterExpected: ExpectedSeasonRasters}
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		summary.RasterNames = append(summary.RasterNames, trimmed)
		lower := strings.ToLower(trimmed)
		if containsAny(lower, soundTokens) {
			summary.SoundscapePresent = true
		}
		if containsAny(lower, seasonTokens) {
			summary.SeasonRasterCount++
		}
	}
	return summary
}

// IsXP12Raster reports whether a raster name belongs to the XP12 layer
// families (soundscape or seasons).
func IsXP12Raster(name string) bool {
	lower := strings.ToLower(name)
	return containsAny(lower, soundTokens) || containsAny(lower, seasonTokens)
}

func containsAny(value string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(value, token) {
			return true
		}
	}
	return false
}
