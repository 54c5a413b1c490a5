package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// dsf7zSignature is the 7z container magic some DSFs are wrapped in.
var dsf7zSignature = []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}

// min7zVersion is the first DSFTool release able to read 7z DSFs.
var min7zVersion = [3]int{2, 2, 0}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// A DSFTool wraps the X-Plane DSFTool binary behind argv invocations.
type DSFTool struct {
	Command Command
	Timeout time.Duration
	Retries int
}

// NewDSFTool returns a DSFTool wrapper, resolving script prefixes.
func NewDSFTool(command Command, timeout time.Duration, retries int) (*DSFTool, error) {
	if !command.Valid() {
		return nil, Error.New("DSFTool command is required")
	}
	return &DSFTool{Command: ResolveScript(command), Timeout: timeout, Retries: retries}, nil
}

func (d *DSFTool) run(ctx context.Context, args ...string) (Result, error) {
	attempts := max(d.Retries, 0) + 1
	var result Result
	for attempt := 0; attempt < attempts; attempt++ {
		result = Run(ctx, d.Command.WithArgs(args...), RunOptions{Timeout: d.Timeout})
		if result.Err == nil && result.ExitCode == 0 {
			return result, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

// Version probes the DSFTool version.
func (d *DSFTool) Version(ctx context.Context) ([3]int, bool) {
	result, err := d.run(ctx, "--version")
	if err != nil || result.ExitCode != 0 {
		return [3]int{}, false
	}
	match := versionPattern.FindStringSubmatch(result.Stdout + "\n" + result.Stderr)
	if match == nil {
		return [3]int{}, false
	}
	major, _ := strconv.Atoi(match[1])
	minor, _ := strconv.Atoi(match[2])
	patch := 0
	if match[3] != "" {
		patch, _ = strconv.Atoi(match[3])
	}
	return [3]int{major, minor, patch}, true
}

// DSFIs7z sniffs whether a DSF file is 7z-compressed.
func DSFIs7z(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = file.Close() }()
	header := make([]byte, len(dsf7zSignature))
	if _, err := file.Read(header); err != nil {
		return false
	}
	return bytes.Equal(header, dsf7zSignature)
}

// SevenZipHint returns a remediation hint when the DSF is 7z-compressed
// and the available DSFTool cannot read it, or "" when there is nothing
// to say.
func (d *DSFTool) SevenZipHint(ctx context.Context, dsfPath string) string {
	if !DSFIs7z(dsfPath) {
		return ""
	}
	version, ok := d.Version(ctx)
	if !ok {
		return "DSF appears 7z-compressed; use DSFTool 2.2+ or decompress first"
	}
	if versionLess(version, min7zVersion) {
		return fmt.Sprintf("DSFTool %d.%d cannot read 7z-compressed DSFs; use 2.2+ or decompress first", version[0], version[1])
	}
	return ""
}

func versionLess(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// DSFToText converts a DSF to its text form.
func (d *DSFTool) DSFToText(ctx context.Context, dsfPath, textPath string) error {
	hint := d.SevenZipHint(ctx, dsfPath)
	if hint != "" {
		return Error.New("dsf2text failed: %s", hint)
	}
	result, err := d.run(ctx, "--dsf2text", dsfPath, textPath)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return Error.New("dsf2text failed: %s", firstNonEmpty(result.Stderr, "unknown error"))
	}
	return nil
}

// TextToDSF converts a DSF text file back to binary.
func (d *DSFTool) TextToDSF(ctx context.Context, textPath, dsfPath string) error {
	result, err := d.run(ctx, "--text2dsf", textPath, dsfPath)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return Error.New("text2dsf failed: %s", firstNonEmpty(result.Stderr, "unknown error"))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
