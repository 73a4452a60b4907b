package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordOracleLookupLabelsResult(t *testing.T) {
	before := map[string]float64{
		"active":   testutil.ToFloat64(oracleCounter.WithLabelValues("active")),
		"inactive": testutil.ToFloat64(oracleCounter.WithLabelValues("inactive")),
		"error":    testutil.ToFloat64(oracleCounter.WithLabelValues("error")),
	}

	RecordOracleLookup(true, nil)
	RecordOracleLookup(false, nil)
	RecordOracleLookup(true, errors.New("timeout"))

	for label, prev := range before {
		require.Equal(t, prev+1, testutil.ToFloat64(oracleCounter.WithLabelValues(label)), label)
	}
}

func TestRecordStreakUpdatedIgnoresZeroTime(t *testing.T) {
	ts := time.Date(2025, time.March, 10, 4, 0, 0, 0, time.UTC)
	RecordStreakUpdated(ts)
	RecordStreakUpdated(time.Time{})

	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(streakUpdatedGauge))
}
