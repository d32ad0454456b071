package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New()
	e.Set("HOME_DIR", "/srv")
	e.SetPairs([]string{"DATA=${HOME_DIR}/data", "bad", "=x", "KEEP=${UNKNOWN}"})
	got := e.Merge([]string{"HOME_DIR=/opt", "LOG=${DATA}/log"})

	assert.Equal(t, []string{
		"DATA=/opt/data",
		"HOME_DIR=/opt",
		"KEEP=${UNKNOWN}",
		// one level only
		"LOG=${HOME_DIR}/data/log",
	}, got)
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("# comment\nA = 1\n\nB=two\nnot a pair\n"), 0o644))

	e := New()
	require.NoError(t, e.LoadFile(p))
	e.Set("B", "override")
	assert.Equal(t, []string{"A=1", "B=override"}, e.Merge(nil))

	require.Error(t, e.LoadFile(filepath.Join(t.TempDir(), "missing")))
}

func TestFromOS(t *testing.T) {
	t.Setenv("SVCPLANE_ENV_TEST", "yes")
	out := New().FromOS().Merge(nil)
	assert.Contains(t, out, "SVCPLANE_ENV_TEST=yes")
}
