package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/yourorg/defistat/internal/config"
	"github.com/yourorg/defistat/internal/history"
	"github.com/yourorg/defistat/internal/model"
	"github.com/yourorg/defistat/internal/rewards"
)

// HourlyService computes metric series from the external hourly archive
// instead of our own snapshot store: longer history, coarser resolution.
type HourlyService struct {
	feed     *history.Client
	resolver *rewards.Resolver
	cfg      config.Config
}

func NewHourlyService(feed *history.Client, resolver *rewards.Resolver, cfg config.Config) *HourlyService {
	return &HourlyService{feed: feed, resolver: resolver, cfg: cfg}
}

// ComputeSeries joins the two vaults' hourly archives on equal timestamps
// and computes a metric point per common hour. Reward APRs come from
// prefetched timelines, not per-point store lookups.
func (s *HourlyService) ComputeSeries(ctx context.Context, req SeriesRequest) ([]model.MetricPoint, error) {
	collateral, err := model.NormalizeAddress(req.CollateralVault)
	if err != nil {
		return nil, fmt.Errorf("collateral vault: %w", err)
	}
	borrow, err := model.NormalizeAddress(req.BorrowVault)
	if err != nil {
		return nil, fmt.Errorf("borrow vault: %w", err)
	}
	if req.Leverage < 1.0 {
		return nil, ErrInvalidLeverage
	}

	colSnaps := s.feed.Hourly(req.Network, collateral, req.From, req.To)
	borSnaps := s.feed.Hourly(req.Network, borrow, req.From, req.To)
	if len(colSnaps) == 0 || len(borSnaps) == 0 {
		return nil, nil
	}

	colTL, err := s.resolver.TimelineFor(ctx, req.Network, collateral, model.RoleCollateral,
		req.From, req.To, deref(req.CollateralRewardsAPRPct))
	if err != nil {
		return nil, err
	}
	borTL, err := s.resolver.TimelineFor(ctx, req.Network, borrow, model.RoleBorrow,
		req.From, req.To, deref(req.BorrowRewardsAPRPct))
	if err != nil {
		return nil, err
	}

	colByTs := indexByTs(colSnaps)
	borByTs := indexByTs(borSnaps)

	common := make([]int64, 0, len(colByTs))
	for ts := range colByTs {
		if _, ok := borByTs[ts]; ok {
			common = append(common, ts)
		}
	}
	sort.Slice(common, func(i, j int) bool { return common[i] < common[j] })

	p := s.params(req.LiquidationThresholdPct, req.PriceCollateralUSD, req.PriceBorrowUSD)
	out := make([]model.MetricPoint, 0, len(common))
	for _, tsSec := range common {
		c, b := colByTs[tsSec], borByTs[tsSec]
		ts := time.Unix(tsSec, 0).UTC()

		_, supplyPct := c.Rates()
		borrowPct, _ := b.Rates()

		point, err := buildPoint(req.Network, collateral, borrow, req.Leverage,
			model.AssetSnapshot{
				Network:        req.Network,
				VaultAddress:   collateral,
				Ts:             ts,
				SupplyAPRPct:   supplyPct,
				UtilizationPct: c.Utilization(),
			},
			model.AssetSnapshot{
				Network:        req.Network,
				VaultAddress:   borrow,
				Ts:             ts,
				BorrowAPRPct:   borrowPct,
				UtilizationPct: b.Utilization(),
			},
			colTL.AprAt(ts), borTL.AprAt(ts),
			p, "hourly archive series")
		if err != nil {
			return nil, err
		}
		out = append(out, point)
	}
	return out, nil
}

func (s *HourlyService) params(lt, pCol, pBor *float64) calcParams {
	return calcParams{
		ltPct: valueOrDefault(lt, s.cfg.Calc.LiquidationThresholdPct),
		pCol:  valueOrDefault(pCol, s.cfg.Calc.PriceCollateralUSD),
		pBor:  valueOrDefault(pBor, s.cfg.Calc.PriceBorrowUSD),
	}
}

func indexByTs(snaps []history.Snapshot) map[int64]history.Snapshot {
	m := make(map[int64]history.Snapshot, len(snaps))
	for _, s := range snaps {
		if _, ok := m[s.Timestamp]; !ok {
			m[s.Timestamp] = s
		}
	}
	return m
}
