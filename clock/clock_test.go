package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemClockAdvances(t *testing.T) {
	c := NewSystem()
	a := c.Now()
	b := c.Now()
	assert.False(t, b.Before(a))
}

func TestTestClockOnlyMovesWhenTicked(t *testing.T) {
	c := NewTestClock()
	start := c.Now()
	assert.Equal(t, start, c.Now())

	c.Tick(30 * time.Second)
	assert.Equal(t, start.Add(30*time.Second), c.Now())
}
