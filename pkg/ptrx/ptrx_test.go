package ptrx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPointers(t *testing.T) {
	assert.Equal(t, 5, *Of(5))
	assert.Equal(t, 0, Deref[int](nil))
	assert.Equal(t, "x", DerefOr(nil, "x"))
	assert.Equal(t, "y", DerefOr(Of("y"), "x"))
	assert.Nil(t, Time(time.Time{}))
	assert.Nil(t, String(""))

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	assert.Equal(t, time.UTC, Time(now).Location())
}
