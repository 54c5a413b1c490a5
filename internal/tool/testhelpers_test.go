package tool_test

import (
	"os"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	payload, err := os.ReadFile(path)
	assert.NoError(t, err)
	return string(payload)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
