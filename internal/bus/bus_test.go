package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeFromReportStampsLastSeen(t *testing.T) {
	report := TelemetryReport{
		NodeID:            "node-1",
		Moniker:           "validator-a",
		AccountID:         "validator-a.near",
		IPAddress:         "203.0.113.7",
		LatestBlockHeight: 12345,
	}

	node := nodeFromReport(report, 1_700_000_000_000)

	require.Equal(t, "node-1", node.NodeID)
	require.Equal(t, "validator-a", node.Moniker)
	require.Equal(t, "validator-a.near", node.AccountID)
	require.Equal(t, "203.0.113.7", node.IPAddress)
	require.Equal(t, uint64(1_700_000_000_000), node.LastSeen)
	require.Equal(t, uint64(12345), node.LastHeight)
}

func TestTelemetryReportRoundTripsThroughJSON(t *testing.T) {
	report := TelemetryReport{
		NodeID:            "node-2",
		AccountID:         "validator-b.near",
		IPAddress:         "198.51.100.4",
		LatestBlockHeight: 99,
	}

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded TelemetryReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, report, decoded)
}

func TestTelemetryResultOmitsErrorWhenOK(t *testing.T) {
	data, err := json.Marshal(TelemetryResult{OK: true})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(data))
}
