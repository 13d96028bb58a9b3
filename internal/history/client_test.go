package history

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hourlyBody = `{
	"asset": "0x9999999999999999999999999999999999999999",
	"assetDecimals": 6,
	"vault": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	"snapshots": [
		{"blockNumber": 100, "timestamp": 1770000000, "totalBorrowed": "250", "totalAssets": "1000", "borrowAPY": "0.08", "supplyAPY": "0.05"},
		{"blockNumber": 101, "timestamp": 1770003600, "totalBorrowed": "300", "totalAssets": "1000", "borrowAPY": "0.09", "supplyAPY": "0.06"},
		{"blockNumber": 102, "timestamp": 1770007200, "totalBorrowed": "400", "totalAssets": "1000", "borrowAPY": "0.10", "supplyAPY": "0.07"}
	]
}`

func TestHourlyFiltersRangeLocally(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(hourlyBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, map[string]string{"ethereum": "mainnet"}, 5*time.Second)
	from := time.Unix(1770000000, 0)
	to := time.Unix(1770003600, 0)

	snaps := c.Hourly("ethereum", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", from, to)
	require.Len(t, snaps, 2, "third snapshot is outside the range")
	assert.Equal(t, int64(100), snaps[0].BlockNumber)
	assert.Equal(t, int64(101), snaps[1].BlockNumber)
	assert.Contains(t, gotQuery, "chain=mainnet", "network is translated through the chain map")
}

func TestHourlyUnmappedNetworkPassedThrough(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"snapshots": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, 5*time.Second)
	c.Hourly("base", "0xaa", time.Time{}, time.Time{})
	assert.Contains(t, gotQuery, "chain=base")
}

func TestHourlyHTTPErrorDegradesToEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// RetryMax retries still apply; the 500 exhausts them and degrades.
	c := NewClient(srv.URL, nil, 5*time.Second)
	assert.Empty(t, c.Hourly("ethereum", "0xaa", time.Time{}, time.Time{}))
}

func TestHourlyZeroRangeMeansUnbounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(hourlyBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, 5*time.Second)
	snaps := c.Hourly("ethereum", "0xaa", time.Time{}, time.Time{})
	assert.Len(t, snaps, 3)
}
