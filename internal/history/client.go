// Package history reads hourly vault history from an external archive
// service, an alternative series source to our own snapshot store.
package history

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Snapshot is one hourly sample from the archive. Amounts and rates arrive
// as decimal strings in inconsistent units; see Rates and Utilization.
type Snapshot struct {
	BlockNumber   int64  `json:"blockNumber"`
	Timestamp     int64  `json:"timestamp"`
	TotalBorrowed string `json:"totalBorrowed"`
	TotalAssets   string `json:"totalAssets"`
	BorrowAPY     string `json:"borrowAPY"`
	SupplyAPY     string `json:"supplyAPY"`
}

type hourlyResponse struct {
	Asset         string     `json:"asset"`
	AssetDecimals int        `json:"assetDecimals"`
	Vault         string     `json:"vault"`
	Snapshots     []Snapshot `json:"snapshots"`
}

// Client fetches hourly history. The archive keys networks by its own chain
// names; chainMap translates ours, identity when absent.
type Client struct {
	baseURL  string
	chainMap map[string]string
	client   *http.Client
}

func NewClient(baseURL string, chainMap map[string]string, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		chainMap: chainMap,
		client:   rc.StandardClient(),
	}
}

// Hourly returns the vault's hourly snapshots filtered to [from, to]. The
// archive returns its full history; filtering happens locally. Fetch
// failures degrade to an empty series.
func (c *Client) Hourly(network, vault string, from, to time.Time) []Snapshot {
	chain := network
	if mapped, ok := c.chainMap[network]; ok {
		chain = mapped
	}

	q := url.Values{}
	q.Set("chain", chain)
	q.Set("vault", vault)
	reqURL := c.baseURL + "/historical/hourly?" + q.Encode()

	resp, err := c.client.Get(reqURL)
	if err != nil {
		logrus.Warnf("[history] hourly fetch failed for net=%s vault=%s: %v", network, vault, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logrus.Warnf("[history] hourly fetch for net=%s vault=%s: HTTP %d", network, vault, resp.StatusCode)
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logrus.Warnf("[history] read hourly response: %v", err)
		return nil
	}

	var decoded hourlyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		logrus.Warnf("[history] decode hourly response: %v", err)
		return nil
	}

	var out []Snapshot
	for _, s := range decoded.Snapshots {
		ts := time.Unix(s.Timestamp, 0)
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Time returns the snapshot's timestamp as a time.Time in UTC.
func (s Snapshot) Time() time.Time {
	return time.Unix(s.Timestamp, 0).UTC()
}

func (s Snapshot) String() string {
	return fmt.Sprintf("hourly{ts=%d supply=%s borrow=%s}", s.Timestamp, s.SupplyAPY, s.BorrowAPY)
}
