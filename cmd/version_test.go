package cmd

import (
	"github.com/meetvora1883/slayers/slayers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func setBuildInfo(t testing.TB, version, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuilt := slayers.Version, slayers.CommitSHA, slayers.BuildTime
	t.Cleanup(
		func() {
			slayers.Version = origVersion
			slayers.CommitSHA = origCommit
			slayers.BuildTime = origBuilt
		},
	)
	slayers.Version = version
	slayers.CommitSHA = commit
	slayers.BuildTime = built
}

func TestVersionCommand(t *testing.T) {
	cleanEnv(t)
	setBuildInfo(t, "1.2.0", "abc123", "2024-05-01T12:00:00Z")
	t.Cleanup(func() { versionShort = false })

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "slayers 1.2.0 (commit abc123, built 2024-05-01T12:00:00Z)\n", out.String())

	out.Reset()
	rootCmd.SetArgs([]string{"version", "--short"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "1.2.0\n", out.String())
}
