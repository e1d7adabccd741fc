package dynamo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageQueryLimit_NormalPages(t *testing.T) {
	page, limit := messageQueryLimit(0, 25)
	assert.Equal(t, 1, page)
	assert.Equal(t, int32(25), limit)

	page, limit = messageQueryLimit(3, 25)
	assert.Equal(t, 3, page)
	assert.Equal(t, int32(75), limit)
}

func TestMessageQueryLimit_ClampsRunawayPage(t *testing.T) {
	// An unclamped huge page would overflow the int32 conversion into a
	// non-positive limit, which the query layer treats as unbounded.
	page, limit := messageQueryLimit(math.MaxInt, 25)

	assert.Equal(t, maxMessagePage, page)
	assert.Equal(t, int32(maxMessagePage*25), limit)
	assert.Positive(t, limit)
}
