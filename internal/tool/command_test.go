package tool_test

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/doublemover/kubolti/internal/tool"
)

func TestResolveScript(t *testing.T) {
	for _, tc := range []struct {
		command  tool.Command
		expected tool.Command
	}{
		{
			command:  tool.Command{"/opt/ortho/Ortho4XP_v140.py"},
			expected: tool.Command{"python3", "/opt/ortho/Ortho4XP_v140.py"},
		},
		{
			// Wrapper tokens stay in front of the interpreter.
			command:  tool.Command{"nice", "/opt/ortho/Ortho4XP_v140.py"},
			expected: tool.Command{"nice", "python3", "/opt/ortho/Ortho4XP_v140.py"},
		},
		{
			// An explicit interpreter is left alone.
			command:  tool.Command{"python3", "/opt/ortho/Ortho4XP_v140.py"},
			expected: tool.Command{"python3", "/opt/ortho/Ortho4XP_v140.py"},
		},
		{
			command:  tool.Command{"/usr/bin/DSFTool"},
			expected: tool.Command{"/usr/bin/DSFTool"},
		},
	} {
		assert.Equal(t, tc.expected, tool.ResolveScript(tc.command))
	}
}

func TestCommandWithArgs(t *testing.T) {
	base := tool.Command{"DSFTool"}
	extended := base.WithArgs("--dsf2text", "a.dsf", "a.txt")
	assert.Equal(t, tool.Command{"DSFTool", "--dsf2text", "a.dsf", "a.txt"}, extended)
	// The original is untouched.
	assert.Equal(t, tool.Command{"DSFTool"}, base)
}

func TestRunCapturesStreams(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}
	var mu sync.Mutex
	var lines []string
	result := tool.Run(context.Background(), tool.Command{"sh", "-c", "echo out; echo err >&2"}, tool.RunOptions{
		OnLine: func(stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, stream+":"+line)
		},
	})
	assert.NoError(t, result.Err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "out")
	assert.Contains(t, result.Stderr, "err")
	assert.Contains(t, strings.Join(lines, "\n"), "stdout:out")
	assert.Contains(t, strings.Join(lines, "\n"), "stderr:err")
}

func TestRunExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}
	result := tool.Run(context.Background(), tool.Command{"sh", "-c", "exit 3"}, tool.RunOptions{})
	assert.NoError(t, result.Err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}
	start := time.Now()
	result := tool.Run(context.Background(), tool.Command{"sh", "-c", "sleep 30"}, tool.RunOptions{
		Timeout: 100 * time.Millisecond,
		Grace:   100 * time.Millisecond,
	})
	assert.True(t, result.TimedOut)
	assert.Equal(t, 124, result.ExitCode)
	assert.True(t, time.Since(start) < 10*time.Second)
}

func TestRunWritesLogFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}
	dir := t.TempDir()
	stdoutPath := filepath.Join(dir, "logs", "run.stdout.log")
	stderrPath := filepath.Join(dir, "logs", "run.stderr.log")
	result := tool.Run(context.Background(), tool.Command{"sh", "-c", "echo hello; echo oops >&2"}, tool.RunOptions{
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	})
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, readFile(t, stdoutPath), "hello")
	assert.Contains(t, readFile(t, stderrPath), "oops")
}

func TestRingCaptureBounds(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}
	result := tool.Run(context.Background(), tool.Command{"sh", "-c", "seq 1 10000"}, tool.RunOptions{
		HeadLines: 10,
		TailLines: 10,
	})
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "1\n")
	assert.Contains(t, result.Stdout, "10000")
	assert.Contains(t, result.Stdout, "lines elided")
	// Bounded: far fewer than 10000 lines retained.
	assert.True(t, len(strings.Split(result.Stdout, "\n")) < 50)
}

func TestDSFIs7z(t *testing.T) {
	dir := t.TempDir()
	sevenZip := filepath.Join(dir, "a.dsf")
	writeFile(t, sevenZip, string([]byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c, 0x00}))
	plain := filepath.Join(dir, "b.dsf")
	writeFile(t, plain, "XPLNEDSF")

	assert.True(t, tool.DSFIs7z(sevenZip))
	assert.False(t, tool.DSFIs7z(plain))
	assert.False(t, tool.DSFIs7z(filepath.Join(dir, "missing.dsf")))
}

func TestLoadPathsMissingFile(t *testing.T) {
	paths, err := tool.LoadPaths(filepath.Join(t.TempDir(), "tool_paths.json"))
	assert.NoError(t, err)
	assert.False(t, paths.DSFTool.Valid())
}

func TestPathsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool_paths.json")
	expected := tool.Paths{
		DSFTool: tool.Command{"/usr/local/bin/DSFTool"},
		Runner:  tool.Command{"python3", "/opt/kubolti/runner.py"},
	}
	assert.NoError(t, tool.SavePaths(path, expected))
	actual, err := tool.LoadPaths(path)
	assert.NoError(t, err)
	assert.Equal(t, expected, actual)
}
