package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestNextMonthlyClamps(t *testing.T) {
	out, err := execute(t, "next", "--frequency", "monthly", "--day", "31", "--at", "01:00",
		"--from", "2024-01-15T00:00:00Z", "-n", "3")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "on day 31 of every month at 01:00", lines[0])
	assert.Contains(t, lines[1], "2024-01-31T01:00:00Z")
	assert.Contains(t, lines[2], "2024-02-29T01:00:00Z")
	assert.Contains(t, lines[3], "2024-03-31T01:00:00Z")
}

func TestNextShowsCronForm(t *testing.T) {
	out, err := execute(t, "next", "--frequency", "weekly", "--weekday", "sunday", "--at", "01:00",
		"--from", "2024-06-01T12:00:00Z", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "cron: 0 1 * * 0")
	assert.Contains(t, out, "2024-06-02T01:00:00Z")
}

func TestNextRejectsInvalidRule(t *testing.T) {
	_, err := execute(t, "next", "--frequency", "weekly", "--at", "25:00")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "recurd dev"))
}

func TestListAndTrigger(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "recurd.yaml")
	body := "logging: { level: error }\n" +
		"storage: { driver: sqlite, path: " + filepath.ToSlash(filepath.Join(dir, "recurd.db")) + " }\n"
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o644))

	out, err := execute(t, "list", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "NEXT RUN")

	_, err = execute(t, "trigger", "-c", cfg, "missing")
	assert.Error(t, err)
}
