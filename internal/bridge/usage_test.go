package bridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageTrackerAccumulates(t *testing.T) {
	u := NewUsageTracker()
	u.Add(10, 25)
	u.Add(5, 0)

	input, output := u.Totals()
	assert.Equal(t, 15, input)
	assert.Equal(t, 25, output)
}

func TestUsageTrackerIgnoresNegatives(t *testing.T) {
	u := NewUsageTracker()
	u.Add(-3, -7)
	u.Add(4, -1)

	input, output := u.Totals()
	assert.Equal(t, 4, input)
	assert.Equal(t, 0, output)
}

func TestUsageTrackerConcurrentAdds(t *testing.T) {
	u := NewUsageTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.Add(1, 2)
		}()
	}
	wg.Wait()

	input, output := u.Totals()
	assert.Equal(t, 50, input)
	assert.Equal(t, 100, output)
}
