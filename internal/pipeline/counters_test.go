package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersRecordNewAndOutcome(t *testing.T) {
	var c Counters
	c.recordNew()
	c.recordNew()
	c.recordOutcome(false, false, false, false) // one success
	c.recordOutcome(true, true, false, false)   // one failure, timed out

	snap := c.Snapshot()
	assert.EqualValues(t, 2, snap.NewConnections)
	assert.EqualValues(t, 1, snap.SuccessfulConnections)
	assert.EqualValues(t, 1, snap.FailedConnections)
	assert.EqualValues(t, 1, snap.TimedOutConnections)
	assert.EqualValues(t, 0, snap.CrashedConnections)
}

func TestCountersReset(t *testing.T) {
	var c Counters
	c.recordNew()
	c.recordOutcome(true, false, true, false)
	c.Reset()

	snap := c.Snapshot()
	assert.Zero(t, snap.NewConnections)
	assert.Zero(t, snap.FailedConnections)
	assert.Zero(t, snap.CrashedConnections)
}
