package idle

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBackoffDefaultSchedule(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 5 * time.Minute, MaxAttempts: 10}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		128 * time.Second,
		256 * time.Second,
		5 * time.Minute,
	}
	for i, d := range want {
		assert.Equal(t, d, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 5*time.Minute, b.Delay(60))

	assert.False(t, b.Exhausted(9))
	assert.True(t, b.Exhausted(10))
}

func TestBackoffZeroValue(t *testing.T) {
	var b Backoff
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(5))
	assert.False(t, b.Exhausted(1000))
}

func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delays grow strictly until capped and are never zero", prop.ForAll(
		func(baseMs int64, factor int64, attempts int) bool {
			b := Backoff{
				Base: time.Duration(baseMs) * time.Millisecond,
				Max:  time.Duration(baseMs*factor) * time.Millisecond,
			}
			prev := time.Duration(0)
			for n := 1; n <= attempts; n++ {
				d := b.Delay(n)
				if d <= 0 || d > b.Max {
					return false
				}
				if prev == b.Max {
					if d != b.Max {
						return false
					}
				} else if d <= prev {
					return false
				}
				prev = d
			}
			return true
		},
		gen.Int64Range(1, 5000),
		gen.Int64Range(1, 1000),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
