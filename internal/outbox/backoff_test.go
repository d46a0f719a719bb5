package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.attempt, base, max), "attempt %d", tc.attempt)
	}
}

func TestBackoffWithoutCap(t *testing.T) {
	assert.Equal(t, 8*time.Second, Backoff(4, time.Second, 0))
	assert.Equal(t, time.Duration(0), Backoff(3, 0, time.Minute))
}
