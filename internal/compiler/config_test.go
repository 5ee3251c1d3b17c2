package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tern.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "isa: arm64\nnull_check_elim: false\n"))
	assert.NilError(t, err)
	assert.Equal(t, cfg.ISA, "arm64")
	assert.Equal(t, cfg.NullCheckElim, false)
	// Untouched switches keep their defaults.
	assert.Equal(t, cfg.ConstProp, true)
	assert.Equal(t, cfg.Special, true)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "const_pop: true\n"))
	assert.ErrorContains(t, err, "const_pop")
}

func TestLoadConfigRejectsUnknownISA(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "isa: riscv\n"))
	assert.ErrorContains(t, err, "unknown instruction set")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "reading config")
}
