package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigratePrintsPlainSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rescuebot.yaml")
	cfg := "log_level: error\nstorage:\n  driver: sqlite\n  dsn: \"file:" + filepath.Join(dir, "migrate.db") + "?_pragma=busy_timeout(5000)\"\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"migrate", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Equal(t, "schema ready (sqlite), watermark at 0\n", out.String())
}
