package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/defistat/internal/model"
)

// MemStore is an in-memory Store used for development and tests. Linear
// scans are fine at this scale; the ClickHouse store carries production load.
type MemStore struct {
	mu        sync.RWMutex
	snapshots []model.AssetSnapshot
	rewards   []model.RewardRecord
	rewardIdx map[string]int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{rewardIdx: make(map[string]int)}
}

func rewardKey(source, opportunityID string, ts time.Time) string {
	return fmt.Sprintf("%s|%s|%d", source, opportunityID, ts.UnixMilli())
}

func (m *MemStore) SaveSnapshots(_ context.Context, snapshots []model.AssetSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snapshots...)
	return nil
}

func (m *MemStore) LatestSnapshot(_ context.Context, network, vault string) (model.AssetSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best model.AssetSnapshot
	found := false
	for _, s := range m.snapshots {
		if s.Network != network || !strings.EqualFold(s.VaultAddress, vault) {
			continue
		}
		if !found || s.Ts.After(best.Ts) {
			best, found = s, true
		}
	}
	if !found {
		return model.AssetSnapshot{}, ErrNotFound
	}
	return best, nil
}

func (m *MemStore) SnapshotAtOrBefore(_ context.Context, network, vault string, ts time.Time) (model.AssetSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best model.AssetSnapshot
	found := false
	for _, s := range m.snapshots {
		if s.Network != network || !strings.EqualFold(s.VaultAddress, vault) || s.Ts.After(ts) {
			continue
		}
		if !found || s.Ts.After(best.Ts) {
			best, found = s, true
		}
	}
	if !found {
		return model.AssetSnapshot{}, ErrNotFound
	}
	return best, nil
}

func (m *MemStore) SnapshotsInRange(_ context.Context, network, vault string, from, to time.Time) ([]model.AssetSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AssetSnapshot
	for _, s := range m.snapshots {
		if s.Network != network || !strings.EqualFold(s.VaultAddress, vault) {
			continue
		}
		if s.Ts.Before(from) || s.Ts.After(to) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	return out, nil
}

func (m *MemStore) Vaults(_ context.Context, network string) ([]model.VaultInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]model.VaultInfo)
	for _, s := range m.snapshots {
		if s.Network != network {
			continue
		}
		addr := strings.ToLower(s.VaultAddress)
		if _, ok := seen[addr]; !ok || s.VaultSymbol != "" {
			seen[addr] = model.VaultInfo{Address: addr, Symbol: s.VaultSymbol, Name: s.VaultName}
		}
	}
	out := make([]model.VaultInfo, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *MemStore) SaveRewards(_ context.Context, records []model.RewardRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		key := rewardKey(r.Source, r.OpportunityID, r.Ts)
		if idx, ok := m.rewardIdx[key]; ok {
			m.rewards[idx] = r
			continue
		}
		m.rewardIdx[key] = len(m.rewards)
		m.rewards = append(m.rewards, r)
	}
	return nil
}

func (m *MemStore) RewardByKey(_ context.Context, source, opportunityID string, ts time.Time) (model.RewardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.rewardIdx[rewardKey(source, opportunityID, ts)]
	if !ok {
		return model.RewardRecord{}, ErrNotFound
	}
	return m.rewards[idx], nil
}

func (m *MemStore) LatestRewardForOpportunity(_ context.Context, source, opportunityID string) (model.RewardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestMatch(func(r model.RewardRecord) bool {
		return r.Source == source && r.OpportunityID == opportunityID
	})
}

func (m *MemStore) LatestRewardForVault(_ context.Context, network, vault string, role model.Role) (model.RewardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestMatch(func(r model.RewardRecord) bool {
		return r.Network == network && strings.EqualFold(r.VaultAddress, vault) && r.Role == role
	})
}

func (m *MemStore) latestMatch(match func(model.RewardRecord) bool) (model.RewardRecord, error) {
	var best model.RewardRecord
	found := false
	for _, r := range m.rewards {
		if !match(r) {
			continue
		}
		if !found || r.Ts.After(best.Ts) {
			best, found = r, true
		}
	}
	if !found {
		return model.RewardRecord{}, ErrNotFound
	}
	return best, nil
}

func (m *MemStore) RewardsInRange(_ context.Context, network, vault string, role model.Role, from, to time.Time) ([]model.RewardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RewardRecord
	for _, r := range m.rewards {
		if r.Network != network || !strings.EqualFold(r.VaultAddress, vault) || r.Role != role {
			continue
		}
		if r.Ts.Before(from) || r.Ts.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	return out, nil
}

func (m *MemStore) EarliestRewardTs(_ context.Context, network, vault string, role model.Role) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var earliest time.Time
	found := false
	for _, r := range m.rewards {
		if r.Network != network || !strings.EqualFold(r.VaultAddress, vault) || r.Role != role {
			continue
		}
		if !found || r.Ts.Before(earliest) {
			earliest, found = r.Ts, true
		}
	}
	if !found {
		return time.Time{}, ErrNotFound
	}
	return earliest, nil
}

func (m *MemStore) RewardAtOrBefore(_ context.Context, network, vault string, role model.Role, ts time.Time) (model.RewardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestMatch(func(r model.RewardRecord) bool {
		return r.Network == network && strings.EqualFold(r.VaultAddress, vault) &&
			r.Role == role && !r.Ts.After(ts)
	})
}

var _ Store = (*MemStore)(nil)
