package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowClampsStart(t *testing.T) {
	assert.Equal(t, uint64(500), NewWindow(500, 50_000, 10).Size())
	assert.Equal(t, uint64(50_000), NewWindow(500, 50_000, 90_000).Size())
}

func TestWindowGrowsOnHighEventRate(t *testing.T) {
	w := NewWindow(500, 50_000, 1_000)

	assert.False(t, w.Observe(10, time.Second), "10 events/s is not above the growth rate")
	assert.Equal(t, uint64(1_000), w.Size())

	assert.True(t, w.Observe(11, time.Second))
	assert.Equal(t, uint64(1_500), w.Size())

	w = NewWindow(500, 2_000, 1_800)
	assert.True(t, w.Observe(1_000, time.Second))
	assert.Equal(t, uint64(2_000), w.Size())
	assert.False(t, w.Observe(1_000, time.Second))
}

func TestWindowShrinksToFloor(t *testing.T) {
	w := NewWindow(500, 50_000, 1_500)
	w.Shrink()
	assert.Equal(t, uint64(750), w.Size())
	w.Shrink()
	assert.Equal(t, uint64(500), w.Size())
	w.Shrink()
	assert.Equal(t, uint64(500), w.Size())
}
