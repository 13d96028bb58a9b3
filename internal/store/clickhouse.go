package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/defistat/internal/model"
)

// CHStore persists snapshots and reward records in ClickHouse.
//
// Reward rows live in a ReplacingMergeTree ordered by
// (source, opportunity_id, ts): re-saving a key replaces the row after
// merges, and reads use FINAL so corrections win immediately.
type CHStore struct {
	conn     driver.Conn
	database string
}

// CHOptions configures the ClickHouse connection.
type CHOptions struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// NewCHStore connects to ClickHouse and creates the schema.
func NewCHStore(ctx context.Context, opts CHOptions) (*CHStore, error) {
	if opts.Database == "" {
		opts.Database = "defistat"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	s := &CHStore{conn: conn, database: opts.Database}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"addr":     opts.Addr,
		"database": opts.Database,
	}).Info("ClickHouse store ready")
	return s, nil
}

func (s *CHStore) Close() error {
	return s.conn.Close()
}

func (s *CHStore) initSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.asset_snapshots (
				network LowCardinality(String),
				vault String,
				vault_original String,
				ts DateTime64(3),
				ts_tick DateTime64(3),
				borrow_apr Float64,
				supply_apr Float64,
				utilization Float64,
				symbol String,
				name String
			) ENGINE = MergeTree()
			ORDER BY (network, vault, ts)`, s.database),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.reward_records (
				network LowCardinality(String),
				protocol LowCardinality(String),
				vault String,
				role LowCardinality(String),
				apr Nullable(Float64),
				tvl_usd Float64,
				name String,
				status LowCardinality(String),
				deposit_url String,
				ts DateTime64(3),
				source LowCardinality(String),
				opportunity_id String,
				chain_id Int64,
				rewards_json String
			) ENGINE = ReplacingMergeTree()
			ORDER BY (source, opportunity_id, ts)`, s.database),
	}
	for _, q := range ddl {
		if err := s.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (s *CHStore) SaveSnapshots(ctx context.Context, snapshots []model.AssetSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		`INSERT INTO %s.asset_snapshots (network, vault, vault_original, ts, ts_tick,
			borrow_apr, supply_apr, utilization, symbol, name) VALUES`, s.database))
	if err != nil {
		return err
	}
	for _, sn := range snapshots {
		if err := batch.Append(
			sn.Network, sn.VaultAddress, sn.VaultAddressOriginal, sn.Ts, sn.TsTick,
			sn.BorrowAPRPct, sn.SupplyAPRPct, sn.UtilizationPct, sn.VaultSymbol, sn.VaultName,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

const snapshotColumns = `network, vault, vault_original, ts, ts_tick, borrow_apr, supply_apr, utilization, symbol, name`

func (s *CHStore) scanSnapshot(row driver.Row) (model.AssetSnapshot, error) {
	var sn model.AssetSnapshot
	err := row.Scan(&sn.Network, &sn.VaultAddress, &sn.VaultAddressOriginal, &sn.Ts, &sn.TsTick,
		&sn.BorrowAPRPct, &sn.SupplyAPRPct, &sn.UtilizationPct, &sn.VaultSymbol, &sn.VaultName)
	if isNoRows(err) {
		return model.AssetSnapshot{}, ErrNotFound
	}
	return sn, err
}

func (s *CHStore) LatestSnapshot(ctx context.Context, network, vault string) (model.AssetSnapshot, error) {
	row := s.conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.asset_snapshots
		 WHERE network = ? AND lower(vault) = lower(?)
		 ORDER BY ts DESC LIMIT 1`, snapshotColumns, s.database), network, vault)
	return s.scanSnapshot(row)
}

func (s *CHStore) SnapshotAtOrBefore(ctx context.Context, network, vault string, ts time.Time) (model.AssetSnapshot, error) {
	row := s.conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.asset_snapshots
		 WHERE network = ? AND lower(vault) = lower(?) AND ts <= ?
		 ORDER BY ts DESC LIMIT 1`, snapshotColumns, s.database), network, vault, ts)
	return s.scanSnapshot(row)
}

func (s *CHStore) SnapshotsInRange(ctx context.Context, network, vault string, from, to time.Time) ([]model.AssetSnapshot, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.asset_snapshots
		 WHERE network = ? AND lower(vault) = lower(?) AND ts >= ? AND ts <= ?
		 ORDER BY ts ASC`, snapshotColumns, s.database), network, vault, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AssetSnapshot
	for rows.Next() {
		var sn model.AssetSnapshot
		if err := rows.Scan(&sn.Network, &sn.VaultAddress, &sn.VaultAddressOriginal, &sn.Ts, &sn.TsTick,
			&sn.BorrowAPRPct, &sn.SupplyAPRPct, &sn.UtilizationPct, &sn.VaultSymbol, &sn.VaultName); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *CHStore) Vaults(ctx context.Context, network string) ([]model.VaultInfo, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		`SELECT lower(vault), anyLast(symbol), anyLast(name)
		 FROM %s.asset_snapshots
		 WHERE network = ?
		 GROUP BY lower(vault)
		 ORDER BY lower(vault)`, s.database), network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.VaultInfo
	for rows.Next() {
		var v model.VaultInfo
		if err := rows.Scan(&v.Address, &v.Symbol, &v.Name); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *CHStore) SaveRewards(ctx context.Context, records []model.RewardRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		`INSERT INTO %s.reward_records (network, protocol, vault, role, apr, tvl_usd,
			name, status, deposit_url, ts, source, opportunity_id, chain_id, rewards_json) VALUES`, s.database))
	if err != nil {
		return err
	}
	for _, r := range records {
		rewardsJSON := "[]"
		if len(r.Rewards) > 0 {
			raw, err := json.Marshal(r.Rewards)
			if err != nil {
				return fmt.Errorf("encode reward breakdown: %w", err)
			}
			rewardsJSON = string(raw)
		}
		if err := batch.Append(
			r.Network, r.Protocol, r.VaultAddress, string(r.Role), r.RewardAPRPct, r.TVLUSD,
			r.Name, r.Status, r.DepositURL, r.Ts, r.Source, r.OpportunityID, r.ChainID, rewardsJSON,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

const rewardColumns = `network, protocol, vault, role, apr, tvl_usd, name, status, deposit_url, ts, source, opportunity_id, chain_id, rewards_json`

func scanReward(scan func(dest ...any) error) (model.RewardRecord, error) {
	var (
		r           model.RewardRecord
		role        string
		rewardsJSON string
	)
	err := scan(&r.Network, &r.Protocol, &r.VaultAddress, &role, &r.RewardAPRPct, &r.TVLUSD,
		&r.Name, &r.Status, &r.DepositURL, &r.Ts, &r.Source, &r.OpportunityID, &r.ChainID, &rewardsJSON)
	if isNoRows(err) {
		return model.RewardRecord{}, ErrNotFound
	}
	if err != nil {
		return model.RewardRecord{}, err
	}
	r.Role = model.Role(role)
	if rewardsJSON != "" && rewardsJSON != "[]" {
		if err := json.Unmarshal([]byte(rewardsJSON), &r.Rewards); err != nil {
			return model.RewardRecord{}, fmt.Errorf("decode reward breakdown: %w", err)
		}
	}
	return r, nil
}

func (s *CHStore) RewardByKey(ctx context.Context, source, opportunityID string, ts time.Time) (model.RewardRecord, error) {
	row := s.conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.reward_records FINAL
		 WHERE source = ? AND opportunity_id = ? AND ts = ?
		 LIMIT 1`, rewardColumns, s.database), source, opportunityID, ts)
	return scanReward(row.Scan)
}

func (s *CHStore) LatestRewardForOpportunity(ctx context.Context, source, opportunityID string) (model.RewardRecord, error) {
	row := s.conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.reward_records FINAL
		 WHERE source = ? AND opportunity_id = ?
		 ORDER BY ts DESC LIMIT 1`, rewardColumns, s.database), source, opportunityID)
	return scanReward(row.Scan)
}

func (s *CHStore) LatestRewardForVault(ctx context.Context, network, vault string, role model.Role) (model.RewardRecord, error) {
	row := s.conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.reward_records FINAL
		 WHERE network = ? AND lower(vault) = lower(?) AND role = ?
		 ORDER BY ts DESC LIMIT 1`, rewardColumns, s.database), network, vault, string(role))
	return scanReward(row.Scan)
}

func (s *CHStore) RewardsInRange(ctx context.Context, network, vault string, role model.Role, from, to time.Time) ([]model.RewardRecord, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.reward_records FINAL
		 WHERE network = ? AND lower(vault) = lower(?) AND role = ? AND ts >= ? AND ts <= ?
		 ORDER BY ts ASC`, rewardColumns, s.database), network, vault, string(role), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RewardRecord
	for rows.Next() {
		r, err := scanReward(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *CHStore) EarliestRewardTs(ctx context.Context, network, vault string, role model.Role) (time.Time, error) {
	var (
		ts    time.Time
		count uint64
	)
	row := s.conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT min(ts), count() FROM %s.reward_records
		 WHERE network = ? AND lower(vault) = lower(?) AND role = ?`, s.database),
		network, vault, string(role))
	if err := row.Scan(&ts, &count); err != nil {
		return time.Time{}, err
	}
	if count == 0 {
		return time.Time{}, ErrNotFound
	}
	return ts, nil
}

func (s *CHStore) RewardAtOrBefore(ctx context.Context, network, vault string, role model.Role, ts time.Time) (model.RewardRecord, error) {
	row := s.conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.reward_records FINAL
		 WHERE network = ? AND lower(vault) = lower(?) AND role = ? AND ts <= ?
		 ORDER BY ts DESC LIMIT 1`, rewardColumns, s.database), network, vault, string(role), ts)
	return scanReward(row.Scan)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

var _ Store = (*CHStore)(nil)
