package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T) (configDir, listPath, dataDir string) {
	t.Helper()
	root := t.TempDir()
	dataDir = filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	var list bytes.Buffer
	list.WriteString("granules:\n")
	for i, hosted := range []bool{true, false, true} {
		path := filepath.Join(dataDir, fmt.Sprintf("g%d.nc", i))
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("granule %d", i)), 0o644))
		fmt.Fprintf(&list, "  - id: G%d\n    cloud_hosted: %t\n    links: [%q]\n", i, hosted, path)
	}
	listPath = filepath.Join(root, "granules.yaml")
	require.NoError(t, os.WriteFile(listPath, list.Bytes(), 0o644))

	configDir = filepath.Join(root, "conf")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "granule.yaml"), []byte(`
executor:
  kind: threads
  workers: 2
credentials:
  token_env: GRANULE_CLI_TEST_TOKEN
`), 0o644))
	return configDir, listPath, dataDir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDownloadCommand(t *testing.T) {
	t.Setenv("GRANULE_CLI_TEST_TOKEN", "token")
	configDir, listPath, _ := writeFixture(t)
	dst := t.TempDir()

	out, err := run(t, "download", listPath, "--config", configDir, "--dir", dst, "--filter", "granule.cloud_hosted", "--ordered")
	require.NoError(t, err)
	assert.Contains(t, out, "2 completed, 0 failed")

	_, err = os.Stat(filepath.Join(dst, "g0.nc"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, "g1.nc"))
	assert.True(t, os.IsNotExist(err))
}

func TestInspectCommand(t *testing.T) {
	t.Setenv("GRANULE_CLI_TEST_TOKEN", "token")
	configDir, listPath, _ := writeFixture(t)

	out, err := run(t, "inspect", listPath, "--config", configDir, "--ordered")
	require.NoError(t, err)
	assert.Contains(t, out, "G0\t")
	assert.Contains(t, out, "3 completed, 0 failed")
}

func TestCommandErrors(t *testing.T) {
	t.Setenv("GRANULE_CLI_TEST_TOKEN", "token")
	configDir, listPath, _ := writeFixture(t)

	_, err := run(t, "download", listPath, "--config", configDir, "--filter", "granule.size +")
	assert.Error(t, err)

	_, err = run(t, "download", listPath, "--config", configDir, "--log-level", "loud")
	assert.ErrorContains(t, err, "invalid log level")

	_, err = run(t, "download")
	assert.Error(t, err)
}

func TestCheckCommand(t *testing.T) {
	configDir, _, _ := writeFixture(t)

	out, err := run(t, "check", "--config", configDir, "--dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "healthy"`)

	_, err = run(t, "check", "--config", configDir, "--dir", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "unhealthy")
}
