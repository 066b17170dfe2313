package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitEnvironmentVariables(t *testing.T) {
	t.Run("loads the file of the requested environment", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.test"), []byte("HYDRA_DATA_DIR=/tmp/bars\n"), 0o600))
		t.Cleanup(func() { os.Unsetenv("HYDRA_DATA_DIR") })

		require.NoError(t, InitEnvironmentVariables(dir, "test"))

		value, err := GetEnv("HYDRA_DATA_DIR")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/bars", value)
	})

	t.Run("fails when the file is missing", func(t *testing.T) {
		assert.Error(t, InitEnvironmentVariables(t.TempDir(), "development"))
	})

	t.Run("production loads nothing", func(t *testing.T) {
		assert.NoError(t, InitEnvironmentVariables(t.TempDir(), "production"))
	})

	t.Run("an unset variable is an error", func(t *testing.T) {
		_, err := GetEnv("HYDRA_SURELY_NOT_SET")
		assert.Error(t, err)
	})
}
