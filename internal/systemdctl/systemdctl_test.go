package systemdctl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstanceUnit(t *testing.T) {
	require.Equal(t, "flash-bmc-ro@sw123.service", InstanceUnit("flash-bmc-ro@.service", "sw123"))
	require.Equal(t, "plain.service@sw1", InstanceUnit("plain.service", "sw1"))
}

func TestJobResultSucceeded(t *testing.T) {
	require.True(t, JobResult{Result: "done"}.Succeeded())
	require.False(t, JobResult{Result: "failed"}.Succeeded())
	require.False(t, JobResult{Result: "canceled"}.Succeeded())
}
