package retention

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retention.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, "age_days: 365\nage_months: 0\nsize_bytes: 1073741824\n"))
	require.NoError(t, err)
	assert.Equal(t, 365, p.AgeDays)
	assert.Zero(t, p.AgeMonths)
	assert.Equal(t, int64(1073741824), p.SizeBytes)
}

func TestLoadPolicyRejectsNegativeThresholds(t *testing.T) {
	_, err := LoadPolicy(writePolicy(t, "age_days: -1\n"))
	assert.ErrorIs(t, err, ErrBadPolicy)
}

func TestLoadPolicyRejectsMalformedYAML(t *testing.T) {
	_, err := LoadPolicy(writePolicy(t, "age_days: [oops\n"))
	assert.ErrorIs(t, err, ErrBadPolicy)
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
