package rewards

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/defistat/internal/model"
)

// MerklClient pulls reward opportunities from the Merkl API.
type MerklClient struct {
	baseURL string
	client  *http.Client
}

func NewMerklClient(baseURL string, timeout time.Duration) *MerklClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return &MerklClient{baseURL: strings.TrimRight(baseURL, "/"), client: rc.StandardClient()}
}

// merklOpportunity mirrors the feed's opportunity object. Unknown fields
// are ignored.
type merklOpportunity struct {
	ChainID         int64    `json:"chainId"`
	Identifier      string   `json:"identifier"`
	Name            string   `json:"name"`
	Status          string   `json:"status"`
	Action          string   `json:"action"`
	TVL             float64  `json:"tvl"`
	APR             *float64 `json:"apr"`
	ID              string   `json:"id"`
	DepositURL      string   `json:"depositUrl"`
	ExplorerAddress string   `json:"explorerAddress"`

	APRRecord *struct {
		Cumulated float64 `json:"cumulated"`
		Timestamp string  `json:"timestamp"`
	} `json:"aprRecord"`

	RewardsRecord *struct {
		Breakdowns []struct {
			Token *struct {
				Address  string  `json:"address"`
				Symbol   string  `json:"symbol"`
				Decimals int     `json:"decimals"`
				Price    float64 `json:"price"`
			} `json:"token"`
			Amount           string  `json:"amount"`
			Value            float64 `json:"value"`
			DistributionType string  `json:"distributionType"`
			CampaignID       string  `json:"campaignId"`
		} `json:"breakdowns"`
	} `json:"rewardsRecord"`
}

// FetchAll returns all opportunities for a chain and protocol type.
func (c *MerklClient) FetchAll(chainID int64, protocol string) ([]merklOpportunity, error) {
	q := url.Values{}
	q.Set("chainId", strconv.FormatInt(chainID, 10))
	q.Set("type", protocol)
	return c.fetch(c.baseURL + "/v4/opportunities?" + q.Encode())
}

// FetchByIdentifier returns the opportunities targeting one vault address.
func (c *MerklClient) FetchByIdentifier(identifier string) ([]merklOpportunity, error) {
	q := url.Values{}
	q.Set("identifier", identifier)
	return c.fetch(c.baseURL + "/v4/opportunities?" + q.Encode())
}

func (c *MerklClient) fetch(rawURL string) ([]merklOpportunity, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "defistat/merkl-client")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("merkl call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("merkl HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read merkl response: %w", err)
	}
	return decodeOpportunities(body)
}

// decodeOpportunities accepts the feed's three response shapes: a bare
// array, an object with a data array, or a single opportunity object.
func decodeOpportunities(body []byte) ([]merklOpportunity, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var list []merklOpportunity
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("merkl decode error: %w", err)
		}
		return list, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("merkl decode error: %w", err)
	}
	if len(envelope.Data) > 0 && strings.HasPrefix(strings.TrimSpace(string(envelope.Data)), "[") {
		var list []merklOpportunity
		if err := json.Unmarshal(envelope.Data, &list); err != nil {
			return nil, fmt.Errorf("merkl decode error: %w", err)
		}
		return list, nil
	}

	var single merklOpportunity
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("merkl decode error: %w", err)
	}
	return []merklOpportunity{single}, nil
}

// AdaptOpportunities converts feed opportunities into reward records for a
// network. Opportunities without a usable vault address are skipped.
func AdaptOpportunities(network, protocol string, opps []merklOpportunity, now time.Time) []model.RewardRecord {
	out := make([]model.RewardRecord, 0, len(opps))
	for _, o := range opps {
		rec, ok := adaptOpportunity(network, protocol, o, now)
		if !ok {
			logrus.Debugf("[rewards] skipping opportunity %s: no vault address", o.ID)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func adaptOpportunity(network, protocol string, o merklOpportunity, now time.Time) (model.RewardRecord, bool) {
	vault := o.ExplorerAddress
	if vault == "" {
		vault = o.Identifier
	}
	if vault == "" {
		return model.RewardRecord{}, false
	}

	role := model.RoleCollateral
	if strings.EqualFold(o.Action, "BORROW") {
		role = model.RoleBorrow
	}

	// Feed timestamp when parseable, else the minute-floored ingest time.
	ts := now.UTC().Truncate(time.Minute)
	if o.APRRecord != nil && o.APRRecord.Timestamp != "" {
		if sec, err := strconv.ParseInt(o.APRRecord.Timestamp, 10, 64); err == nil {
			ts = time.Unix(sec, 0).UTC()
		}
	}

	var rewards []model.RewardTokenValue
	if o.RewardsRecord != nil {
		for _, b := range o.RewardsRecord.Breakdowns {
			v := model.RewardTokenValue{
				Amount:           parseFloatSafe(b.Amount),
				ValueUSD:         b.Value,
				DistributionType: b.DistributionType,
				CampaignID:       b.CampaignID,
			}
			if b.Token != nil {
				v.TokenAddress = b.Token.Address
				v.Symbol = b.Token.Symbol
				v.Decimals = b.Token.Decimals
				v.PriceUSD = b.Token.Price
			}
			rewards = append(rewards, v)
		}
	}

	return model.RewardRecord{
		Network:       strings.ToLower(network),
		Protocol:      protocol,
		VaultAddress:  strings.ToLower(vault),
		Role:          role,
		RewardAPRPct:  o.APR,
		TVLUSD:        o.TVL,
		Name:          o.Name,
		Status:        o.Status,
		DepositURL:    o.DepositURL,
		Ts:            ts,
		Source:        "merkl",
		OpportunityID: o.ID,
		ChainID:       o.ChainID,
		Rewards:       rewards,
	}, true
}

func parseFloatSafe(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
