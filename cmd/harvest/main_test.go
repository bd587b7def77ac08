package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/tagharvest/internal/testutil"
	"github.com/Sternrassler/tagharvest/pkg/config"
	"github.com/Sternrassler/tagharvest/pkg/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return out.String(), err
}

// executeStreams runs the command with the process stdout captured and
// stderr in a buffer, so output sent to the wrong stream shows up.
func executeStreams(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	r, w, pipeErr := os.Pipe()
	require.NoError(t, pipeErr)
	origStdout := os.Stdout
	os.Stdout = w

	captured := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		captured <- buf.String()
	}()

	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(nil)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err = rootCmd.Execute()

	os.Stdout = origStdout
	w.Close()
	stdout = <-captured
	r.Close()
	return stdout, errBuf.String(), err
}

func writeTestConfig(t *testing.T, baseURL string) string {
	t.Helper()
	content := fmt.Sprintf(`
[run]
poll_interval = "20ms"
shutdown_grace = "1s"

[rate]
min_interval = "0s"
poll_interval = "10ms"

[retry]
initial_backoff = "10ms"
max_backoff = "50ms"

[search]
base_url = %q
timeout = "5s"
`, baseURL)

	path := filepath.Join(t.TempDir(), "harvest.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestVersionCmd(t *testing.T) {
	originalVersion := version
	version = "test-version-1.0.0"
	defer func() { version = originalVersion }()

	out, err := execute(t, "version")

	require.NoError(t, err)
	assert.Contains(t, out, "harvest version test-version-1.0.0")
}

func TestRunCmd_ReachesTargetThenResumes(t *testing.T) {
	t.Setenv(config.EnvBearerToken, "test-token")
	t.Setenv(config.EnvRedisAddr, "")

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetPage("#golang", "", "c1", testutil.Tweets("g", 3)...)
	mock.SetPage("#golang", "c1", "", testutil.Tweets("h", 2)...)

	cfgPath := writeTestConfig(t, mock.URL())
	outDir := filepath.Join(t.TempDir(), "out")

	out, err := execute(t, "run", "--config", cfgPath, "--term", "#golang", "--target", "4", "--out", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "target reached: 4 unique records")

	for _, name := range []string{output.NDJSONFile, output.ParquetFile, output.SQLiteFile} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}

	store, err := output.NewSQLiteStore(outDir)
	require.NoError(t, err)
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, store.Close())

	// A second run skips every stored id; only the fifth record is new.
	out, err = execute(t, "run", "--config", cfgPath, "--term", "#golang", "--target", "4", "--out", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "exhausted: 1 unique records (target 4)")
}

func TestRunCmd_SummaryGoesToStdout(t *testing.T) {
	t.Setenv(config.EnvBearerToken, "test-token")
	t.Setenv(config.EnvRedisAddr, "")

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetPage("#golang", "", "", testutil.Tweets("g", 2)...)

	outDir := filepath.Join(t.TempDir(), "out")
	stdout, stderr, err := executeStreams(t, "run",
		"--config", writeTestConfig(t, mock.URL()), "--term", "#golang", "--target", "2", "--out", outDir)
	require.NoError(t, err)

	assert.Contains(t, stdout, "target reached: 2 unique records")
	assert.Contains(t, stdout, "Output written to "+outDir)
	assert.NotContains(t, stderr, "target reached: 2 unique records")
	assert.NotContains(t, stderr, "Output written to")
}

func TestVersionCmd_GoesToStdout(t *testing.T) {
	stdout, stderr, err := executeStreams(t, "version")
	require.NoError(t, err)

	assert.Contains(t, stdout, "harvest version "+version)
	assert.Empty(t, stderr)
}

func TestRunCmd_RequiresBearerToken(t *testing.T) {
	t.Setenv(config.EnvBearerToken, "")

	_, err := execute(t, "run", "--config", writeTestConfig(t, "http://127.0.0.1:1"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvBearerToken)
}
