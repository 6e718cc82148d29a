package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncJob("post", "succeeded")
		IncAdapterCall("offerup", "transient")
		IncAccountTrip("craigslist")
		IncSweepDelist()
		IncHTTP("/api/v1/jobs")
		SetQueueDepth(5)
	})
}
