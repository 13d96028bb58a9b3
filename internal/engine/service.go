package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourorg/defistat/internal/config"
	"github.com/yourorg/defistat/internal/model"
	"github.com/yourorg/defistat/internal/reconcile"
	"github.com/yourorg/defistat/internal/rewards"
	"github.com/yourorg/defistat/internal/store"
)

// ErrNoSnapshot means a vault has no stored snapshot to compute from.
var ErrNoSnapshot = errors.New("no snapshot found")

// PointRequest asks for one metric point for a vault pair. Optional fields
// are nil when the caller did not provide them.
type PointRequest struct {
	Network         string
	CollateralVault string
	BorrowVault     string
	Leverage        float64

	// Ts selects "latest snapshot at or before Ts"; nil means latest.
	Ts *time.Time

	// User-provided reward APRs, used only when a vault side has no
	// ingested reward history.
	CollateralRewardsAPRPct *float64
	BorrowRewardsAPRPct     *float64

	// Overrides for pricing and risk; non-positive or nil falls back to
	// config defaults.
	LiquidationThresholdPct *float64
	PriceCollateralUSD      *float64
	PriceBorrowUSD          *float64
}

// SeriesRequest asks for a metric series over [From, To].
type SeriesRequest struct {
	Network         string
	CollateralVault string
	BorrowVault     string
	Leverage        float64

	From time.Time
	To   time.Time

	// TickTolerance bounds the timestamp skew the fallback join accepts.
	TickTolerance time.Duration

	CollateralRewardsAPRPct *float64
	BorrowRewardsAPRPct     *float64

	LiquidationThresholdPct *float64
	PriceCollateralUSD      *float64
	PriceBorrowUSD          *float64
}

// Service computes metric points and series from stored snapshots.
type Service struct {
	snapshots store.SnapshotStore
	resolver  *rewards.Resolver
	cfg       config.Config
}

func NewService(snapshots store.SnapshotStore, resolver *rewards.Resolver, cfg config.Config) *Service {
	return &Service{snapshots: snapshots, resolver: resolver, cfg: cfg}
}

// ComputePoint builds one metric point from the latest snapshots of both
// vaults (or the latest at or before the requested time). Reward APRs are
// resolved separately per side at each side's own snapshot time.
func (s *Service) ComputePoint(ctx context.Context, req PointRequest) (model.MetricPoint, error) {
	collateral, err := model.NormalizeAddress(req.CollateralVault)
	if err != nil {
		return model.MetricPoint{}, fmt.Errorf("collateral vault: %w", err)
	}
	borrow, err := model.NormalizeAddress(req.BorrowVault)
	if err != nil {
		return model.MetricPoint{}, fmt.Errorf("borrow vault: %w", err)
	}
	if req.Leverage < 1.0 {
		return model.MetricPoint{}, ErrInvalidLeverage
	}

	sCol, err := s.pickSnapshot(ctx, req.Network, collateral, req.Ts)
	if err != nil {
		return model.MetricPoint{}, fmt.Errorf("collateral %s on %s: %w", collateral, req.Network, err)
	}
	sBor, err := s.pickSnapshot(ctx, req.Network, borrow, req.Ts)
	if err != nil {
		return model.MetricPoint{}, fmt.Errorf("borrow %s on %s: %w", borrow, req.Network, err)
	}

	colRw, err := s.resolver.ResolveAt(ctx, req.Network, collateral, model.RoleCollateral,
		sCol.SnapshotTime(), deref(req.CollateralRewardsAPRPct))
	if err != nil {
		return model.MetricPoint{}, err
	}
	borRw, err := s.resolver.ResolveAt(ctx, req.Network, borrow, model.RoleBorrow,
		sBor.SnapshotTime(), deref(req.BorrowRewardsAPRPct))
	if err != nil {
		return model.MetricPoint{}, err
	}

	p := s.params(req.LiquidationThresholdPct, req.PriceCollateralUSD, req.PriceBorrowUSD)
	return buildPoint(req.Network, collateral, borrow, req.Leverage, sCol, sBor, colRw, borRw, p,
		"computed from stored snapshots")
}

// ComputeSeries aligns the two vaults' snapshot series over [From, To] and
// computes a point per aligned pair. Either side having no snapshots in the
// range yields an empty series, not an error.
func (s *Service) ComputeSeries(ctx context.Context, req SeriesRequest) ([]model.MetricPoint, error) {
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
	if req.From.IsZero() || req.To.IsZero() {
		return nil, errors.New("'from' and 'to' must be provided")
	}

	colSeries, err := s.snapshots.SnapshotsInRange(ctx, req.Network, collateral, req.From, req.To)
	if err != nil {
		return nil, err
	}
	borSeries, err := s.snapshots.SnapshotsInRange(ctx, req.Network, borrow, req.From, req.To)
	if err != nil {
		return nil, err
	}
	if len(colSeries) == 0 || len(borSeries) == 0 {
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

	key := reconcile.Key[model.AssetSnapshot]{
		Batch: func(s model.AssetSnapshot) time.Time { return s.Ts },
		Tick:  model.AssetSnapshot.SnapshotTime,
	}
	pairs := reconcile.Join(colSeries, borSeries, key, key, req.TickTolerance)

	p := s.params(req.LiquidationThresholdPct, req.PriceCollateralUSD, req.PriceBorrowUSD)
	out := make([]model.MetricPoint, 0, len(pairs))
	for _, pair := range pairs {
		note := "series point joined by batch ts"
		if !pair.A.Ts.Equal(pair.B.Ts) {
			note = fmt.Sprintf("series point matched by tick within %s", req.TickTolerance)
		}
		point, err := buildPoint(req.Network, collateral, borrow, req.Leverage,
			pair.A, pair.B,
			colTL.AprAt(pair.A.SnapshotTime()), borTL.AprAt(pair.B.SnapshotTime()),
			p, note)
		if err != nil {
			return nil, err
		}
		out = append(out, point)
	}
	return out, nil
}

func (s *Service) pickSnapshot(ctx context.Context, network, vault string, ts *time.Time) (model.AssetSnapshot, error) {
	var (
		snap model.AssetSnapshot
		err  error
	)
	if ts == nil {
		snap, err = s.snapshots.LatestSnapshot(ctx, network, vault)
	} else {
		snap, err = s.snapshots.SnapshotAtOrBefore(ctx, network, vault, *ts)
	}
	if errors.Is(err, store.ErrNotFound) {
		return model.AssetSnapshot{}, ErrNoSnapshot
	}
	return snap, err
}

type calcParams struct {
	ltPct float64
	pCol  float64
	pBor  float64
}

func (s *Service) params(lt, pCol, pBor *float64) calcParams {
	return calcParams{
		ltPct: valueOrDefault(lt, s.cfg.Calc.LiquidationThresholdPct),
		pCol:  valueOrDefault(pCol, s.cfg.Calc.PriceCollateralUSD),
		pBor:  valueOrDefault(pBor, s.cfg.Calc.PriceBorrowUSD),
	}
}

func buildPoint(network, collateral, borrow string, leverage float64,
	sCol, sBor model.AssetSnapshot, colRw, borRw float64, p calcParams, note string,
) (model.MetricPoint, error) {
	res, err := Compute(Inputs{
		Leverage:                leverage,
		SupplyAPRPct:            sCol.SupplyAPRPct,
		CollateralRewardAPRPct:  colRw,
		BorrowAPRPct:            sBor.BorrowAPRPct,
		BorrowRewardAPRPct:      borRw,
		PriceCollateralUSD:      p.pCol,
		PriceBorrowUSD:          p.pBor,
		LiquidationThresholdPct: p.ltPct,
	})
	if err != nil {
		return model.MetricPoint{}, err
	}

	return model.MetricPoint{
		Network:                 network,
		CollateralVault:         collateral,
		BorrowVault:             borrow,
		Leverage:                leverage,
		CollateralTs:            sCol.Ts,
		BorrowTs:                sBor.Ts,
		CollateralSupplyAPRPct:  sCol.SupplyAPRPct,
		BorrowBorrowAPRPct:      sBor.BorrowAPRPct,
		CollateralRewardsAPRPct: colRw,
		BorrowRewardsAPRPct:     borRw,
		SupplyTotalPct:          res.SupplyTotalPct,
		BorrowNetPct:            res.BorrowNetPct,
		CollateralUtilPct:       sCol.UtilizationPct,
		BorrowUtilPct:           sBor.UtilizationPct,
		PriceCollateralUSD:      p.pCol,
		PriceBorrowUSD:          p.pBor,
		LiquidationThresholdPct: p.ltPct,
		ROEPct:                  res.ROEPct,
		HF:                      res.HF,
		Note:                    note,
	}, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func valueOrDefault(override *float64, def float64) float64 {
	if override != nil && *override > 0 {
		return *override
	}
	return def
}
