package queue

import (
	"testing"
	"time"

	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/stretchr/testify/assert"
)

func TestScoreOrdersClassesThenTime(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	assert.Less(t, Score(jobx.PriorityHigh, now+10_000), Score(jobx.PriorityNormal, now))
	assert.Less(t, Score(jobx.PriorityNormal, now+10_000), Score(jobx.PriorityLow, now))
	assert.Less(t, Score(jobx.PriorityNormal, now), Score(jobx.PriorityNormal, now+1))
}

func TestClaimExpired(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 5, 0, 0, time.UTC)
	c := Claim{JobID: "j", WorkerID: "w", Expiry: exp}

	assert.False(t, c.Expired(exp.Add(-time.Millisecond)))
	assert.True(t, c.Expired(exp))
}
