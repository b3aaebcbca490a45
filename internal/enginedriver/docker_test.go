package enginedriver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCPUPercentHandlesZeroDeltas(t *testing.T) {
	var raw dockerStatsJSON
	assert.Equal(t, 0.0, raw.cpuPercent())
}

func TestCPUPercentComputesRatio(t *testing.T) {
	var raw dockerStatsJSON
	raw.CPUStats.CPUUsage.TotalUsage = 200
	raw.PreCPUStats.CPUUsage.TotalUsage = 100
	raw.CPUStats.SystemUsage = 2000
	raw.PreCPUStats.SystemUsage = 1000
	raw.CPUStats.OnlineCPUs = 2

	// cpuDelta=100, systemDelta=1000 -> (100/1000)*2*100 = 20%
	assert.InDelta(t, 20.0, raw.cpuPercent(), 0.0001)
}

func TestIsNotFoundUnwrapsClassifiedError(t *testing.T) {
	err := &Error{Kind: NotFound, Op: "remove", Err: errors.New("no such container")}
	assert.True(t, IsNotFound(err))

	other := &Error{Kind: Fatal, Op: "create", Err: errors.New("boom")}
	assert.False(t, IsNotFound(other))
}
