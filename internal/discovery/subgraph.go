// Package discovery finds the vaults deployed on a network by crawling its
// subgraph. Different deployments expose the vault list under different
// top-level fields, so the crawler probes known candidates first.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/defistat/internal/config"
	"github.com/yourorg/defistat/internal/model"
)

const defaultPageSize = 500

// candidateFields are the vault-list field names seen across subgraph
// deployments, probed in order.
var candidateFields = []string{"eulerVaults", "eVaults", "creditVaults", "markets"}

// Crawler pages through a network's subgraph and returns every vault. The
// resolved list field is cached per network.
type Crawler struct {
	cfg    config.Config
	client *http.Client

	mu            sync.Mutex
	resolvedField map[string]string
}

func NewCrawler(cfg config.Config) *Crawler {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = nil
	return &Crawler{
		cfg:           cfg,
		client:        rc.StandardClient(),
		resolvedField: make(map[string]string),
	}
}

type vaultEntry struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// FetchAll crawls all vaults on a network. pageSize <= 0 uses the default.
func (c *Crawler) FetchAll(ctx context.Context, network string, pageSize int) ([]model.VaultInfo, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	field, err := c.resolveField(ctx, network)
	if err != nil {
		return nil, err
	}

	var out []model.VaultInfo
	for skip := 0; ; skip += pageSize {
		page, err := c.fetchPage(ctx, network, field, pageSize, skip)
		if err != nil {
			return nil, fmt.Errorf("page at skip=%d: %w", skip, err)
		}
		if len(page) == 0 {
			break
		}
		for _, v := range page {
			out = append(out, model.VaultInfo{
				Address: strings.ToLower(v.ID),
				Symbol:  v.Symbol,
				Name:    v.Name,
			})
		}
		if len(page) < pageSize {
			break
		}
	}
	logrus.Debugf("[discovery] %s: %d vaults via field %q", network, len(out), field)
	return out, nil
}

// resolveField probes the candidate list fields and caches the first one the
// subgraph accepts.
func (c *Crawler) resolveField(ctx context.Context, network string) (string, error) {
	c.mu.Lock()
	if field, ok := c.resolvedField[network]; ok {
		c.mu.Unlock()
		return field, nil
	}
	c.mu.Unlock()

	for _, field := range candidateFields {
		query := fmt.Sprintf("query Probe($first:Int!,$skip:Int!){ %s(first:$first,skip:$skip){ id } }", field)
		if _, err := c.query(ctx, network, query, 1, 0, field); err != nil {
			continue
		}
		c.mu.Lock()
		c.resolvedField[network] = field
		c.mu.Unlock()
		return field, nil
	}
	return "", fmt.Errorf("no known vault-list field on %s subgraph, tried %v", network, candidateFields)
}

func (c *Crawler) fetchPage(ctx context.Context, network, field string, first, skip int) ([]vaultEntry, error) {
	query := fmt.Sprintf(
		"query Vaults($first:Int!,$skip:Int!){ %s(first:$first,skip:$skip,orderBy:id,orderDirection:asc){ id symbol name } }",
		field)
	return c.query(ctx, network, query, first, skip, field)
}

func (c *Crawler) query(ctx context.Context, network, query string, first, skip int, field string) ([]vaultEntry, error) {
	net, err := c.cfg.Require(network)
	if err != nil {
		return nil, err
	}
	if net.SubgraphURL == "" {
		return nil, fmt.Errorf("subgraph url not configured for network %s", network)
	}

	payload, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": map[string]int{"first": first, "skip": skip},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, net.SubgraphURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subgraph HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode subgraph response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("subgraph error: %s", decoded.Errors[0].Message)
	}

	raw, ok := decoded.Data[field]
	if !ok {
		return nil, fmt.Errorf("field %q missing in subgraph response", field)
	}
	var entries []vaultEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %q list: %w", field, err)
	}
	return entries, nil
}
