package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetFeedState_IsOneHot(t *testing.T) {
	SetFeedState("test-feed", "connecting")
	SetFeedState("test-feed", "streaming")

	for _, state := range feedStates {
		want := 0.0
		if state == "streaming" {
			want = 1
		}
		assert.Equal(t, want, testutil.ToFloat64(FeedState.WithLabelValues("test-feed", state)), state)
	}
}

func TestSetFeedState_UnknownStateClearsAll(t *testing.T) {
	SetFeedState("other-feed", "streaming")
	SetFeedState("other-feed", "bogus")

	for _, state := range feedStates {
		assert.Zero(t, testutil.ToFloat64(FeedState.WithLabelValues("other-feed", state)), state)
	}
}

func TestCounterValue(t *testing.T) {
	c := FeedDropped.WithLabelValues("counter-test")
	assert.Zero(t, CounterValue(c))

	c.Inc()
	c.Add(2)
	assert.Equal(t, 3.0, CounterValue(c))
	assert.Equal(t, testutil.ToFloat64(c), CounterValue(c))
}
