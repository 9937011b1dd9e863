package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	prevVersion, prevCommit, prevDate := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = prevVersion, prevCommit, prevDate })

	Version, Commit, BuildDate = "v1.2.0", "abc123", "2026-01-02"
	assert.Equal(t, "oraclewatch v1.2.0 (commit abc123, built 2026-01-02)", String())
}
