package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtrefilov-piterbyte/deucalion/internal/state"
)

func TestConnAccounting(t *testing.T) {
	m := New(nil)

	assert.Equal(t, int64(1), m.ConnOpened())
	assert.Equal(t, int64(2), m.ConnOpened())
	assert.Equal(t, int64(1), m.ConnClosed())
	assert.Equal(t, int64(1), m.OpenConns())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.openConnsGauge))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.connsAccepted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connsClosed))
}

func TestPollAccounting(t *testing.T) {
	m := New(nil)

	m.PollCompleted(50 * time.Millisecond)
	m.PollCompleted(60 * time.Millisecond)
	m.PollSkipped()
	m.PollFailed()

	completed, skipped, failed := m.PollCounts()
	assert.Equal(t, uint64(2), completed)
	assert.Equal(t, uint64(1), skipped)
	assert.Equal(t, uint64(1), failed)
}

func TestSetFleet_PublishesAndRemovesInstances(t *testing.T) {
	m := New([]string{"Name"})

	m.SetFleet(&state.Snapshot{
		Version: 1,
		Fleet: state.FleetData{
			"i-1": {ID: "i-1", Platform: "linux", Type: "t3.micro", Lifecycle: "ondemand", Tags: map[string]string{"Name": "web-1"}},
			"i-2": {ID: "i-2", Platform: "windows", Type: "m5.large", Lifecycle: "spot"},
		},
	})
	require.Equal(t, 2, testutil.CollectAndCount(m.instanceState))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.snapshotVersion))

	// i-2 left the fleet; its series must disappear.
	m.SetFleet(&state.Snapshot{
		Version: 2,
		Fleet: state.FleetData{
			"i-1": {ID: "i-1", Platform: "linux", Type: "t3.micro", Lifecycle: "ondemand", Tags: map[string]string{"Name": "web-1"}},
		},
	})
	assert.Equal(t, 1, testutil.CollectAndCount(m.instanceState))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.snapshotVersion))
}

func TestSetFleet_MissingTagBecomesEmptyLabel(t *testing.T) {
	m := New([]string{"team"})

	m.SetFleet(&state.Snapshot{
		Version: 1,
		Fleet: state.FleetData{
			"i-1": {ID: "i-1", Platform: "linux", Type: "t3.micro", Lifecycle: "ondemand"},
		},
	})
	assert.Equal(t, 1, testutil.CollectAndCount(m.instanceState))
}

func TestTagLabelName(t *testing.T) {
	assert.Equal(t, "tag_name", tagLabelName("Name"))
	assert.Equal(t, "tag_cost_center", tagLabelName("cost-center"))
	assert.Equal(t, "tag_env_2", tagLabelName("Env 2"))
}
