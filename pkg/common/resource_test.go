package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var zeroTime time.Time

// TestParseNodeResource tests the resource-request grammar.
func TestParseNodeResource(t *testing.T) {
	res, err := ParseNodeResource("cpu=1,memory=4096Mi")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.CPU)
	assert.Equal(t, 4096, res.Memory)

	res, err = ParseNodeResource("cpu=0.5,memory=512Mi,gpu=2")
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.CPU)
	assert.Equal(t, 512, res.Memory)
	assert.Equal(t, 2, res.GPU)

	res, err = ParseNodeResource("")
	require.NoError(t, err)
	assert.True(t, res.IsZero())

	_, err = ParseNodeResource("cpu=two")
	assert.Error(t, err)
	_, err = ParseNodeResource("disk=10Gi")
	assert.Error(t, err)
	_, err = ParseNodeResource("cpu")
	assert.Error(t, err)
}

// TestNodeLifecycleHelpers tests the alive/terminal predicates.
func TestNodeLifecycleHelpers(t *testing.T) {
	n := NewNode(NodeTypeWorker, 0, 3)
	assert.True(t, n.Alive())
	assert.False(t, n.Terminal())

	n.Status = NodeStatusFailed
	assert.False(t, n.Alive())
	assert.False(t, n.Terminal())

	n.IsReleased = true
	assert.True(t, n.Terminal())
}

// TestNodeUpdateInfo tests that zero values never clobber known info.
func TestNodeUpdateInfo(t *testing.T) {
	n := NewNode(NodeTypePS, 1, 1)
	n.UpdateInfo("job-ps-1", zeroTime, zeroTime)
	assert.Equal(t, "job-ps-1", n.Name)

	n.UpdateInfo("", zeroTime, zeroTime)
	assert.Equal(t, "job-ps-1", n.Name)
}
