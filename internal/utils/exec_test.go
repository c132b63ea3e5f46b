package utils

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available, skipping test")
	}
}

func TestExecRunner_CapturesOutput(t *testing.T) {
	skipIfNoShell(t)

	res, err := ExecRunner{}.Run(context.Background(), Command("sh", "-c", "echo out; echo err 1>&2"))
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\nerr\n", res.Combined())
}

func TestExecRunner_MergedOutputKeepsWriteOrder(t *testing.T) {
	skipIfNoShell(t)

	c := Command("sh", "-c", "echo a; echo warn 1>&2; echo ready").WithMergedOutput()
	res, err := ExecRunner{}.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "a\nwarn\nready\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, "a\nwarn\nready\n", res.Combined())
}

func TestExecRunner_NonZeroExitCarriesOutput(t *testing.T) {
	skipIfNoShell(t)

	_, err := ExecRunner{}.Run(context.Background(), Command("sh", "-c", "echo denied 1>&2; exit 3"))
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.False(t, cmdErr.TimedOut)
	assert.Contains(t, cmdErr.Error(), "denied")
	assert.Contains(t, cmdErr.Output(), "denied")
}

func TestExecRunner_Stdin(t *testing.T) {
	skipIfNoShell(t)

	res, err := ExecRunner{}.Run(context.Background(), Command("sh", "-c", "cat").WithStdin("kind: Deployment\n"))
	require.NoError(t, err)
	assert.Equal(t, "kind: Deployment\n", res.Stdout)
}

func TestExecRunner_TimeoutIsDistinguished(t *testing.T) {
	skipIfNoShell(t)

	_, err := ExecRunner{Timeout: 50 * time.Millisecond}.Run(context.Background(), Command("sh", "-c", "sleep 5"))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestExecRunner_MissingBinary(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Command("definitely-not-a-real-binary-xyz"))
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.False(t, IsTimeout(err))
}

func TestCmdString(t *testing.T) {
	assert.Equal(t, "docker ps -a", Command("docker", "ps", "-a").String())
	assert.Equal(t, "oc", Command("oc").String())

	merged := Command("docker", "logs", "abc").WithMergedOutput()
	assert.True(t, merged.MergeOutput)
	assert.Equal(t, "docker logs abc", merged.String())
}
