package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "logging:\n  development: false\n" +
		"frontier:\n  path: " + filepath.Join(dir, "frontier.db") + "\n" +
		"target:\n  backend: none\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAddSeedsThenStats(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t)
	seedsPath := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(seedsPath, []byte(
		"# seeds\nhttp://a.example/\nhttp://b.example/page\nhttp://a.example/\nmailto:x@y\n"), 0o600))

	out, err := execute(t, "--config", configPath, "add-seeds", "--seeds", seedsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "inserted   2")
	assert.Contains(t, out, "unchanged  1")
	assert.Contains(t, out, "rejected   1")

	out, err = execute(t, "--config", configPath, "stats", "--json")
	require.NoError(t, err)
	var counts map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, 2, counts["DISCOVERED"])

	out, err = execute(t, "--config", configPath, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "DISCOVERED  2")
	assert.Contains(t, out, "TOTAL       2")
}

func TestAddSeedsValidatesFlags(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t)
	_, err := execute(t, "--config", configPath, "add-seeds")
	require.ErrorContains(t, err, "--seeds is required")

	seedsPath := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(seedsPath, []byte("http://a.example/\n"), 0o600))
	_, err = execute(t, "--config", configPath, "add-seeds", "--seeds", seedsPath, "--score", "2")
	require.ErrorContains(t, err, "--score")
}

func TestFetcherRequiresPubSub(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  development: false\ncluster:\n  transport: memory\n"), 0o600))
	_, err := execute(t, "--config", path, "fetcher")
	require.ErrorContains(t, err, "pubsub cluster transport")
}

func TestInvalidConfigFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frontier:\n  backend: redis\n"), 0o600))
	_, err := execute(t, "--config", path, "stats")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "frontier.backend"))
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FOCUS_TEST_ENV_FILE=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("FOCUS_TEST_ENV_FILE") })

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("FOCUS_TEST_ENV_FILE"))

	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	require.NoError(t, loadEnvFile(""))
}

func TestSubscriptionFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "custom", subscriptionFor("custom", "n1", "n1"))
	assert.Empty(t, subscriptionFor("custom", "n1-fetcher-0", "n1"))
}
