// Package poller runs the background jobs: per-network snapshot polling and
// reward feed ingestion, driven by cron schedules.
package poller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/defistat/internal/config"
	"github.com/yourorg/defistat/internal/discovery"
	"github.com/yourorg/defistat/internal/evault"
	"github.com/yourorg/defistat/internal/model"
	"github.com/yourorg/defistat/internal/rewards"
	"github.com/yourorg/defistat/internal/store"
)

var (
	pollRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defistat_poll_runs_total",
			Help: "Completed snapshot polling runs per network",
		},
		[]string{"network", "status"},
	)
	vaultFetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defistat_vault_fetch_errors_total",
			Help: "Per-vault on-chain fetch failures during polling",
		},
		[]string{"network"},
	)
	snapshotsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defistat_snapshots_saved_total",
			Help: "Snapshots persisted per network",
		},
		[]string{"network"},
	)
	rewardIngests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defistat_reward_ingest_records_total",
			Help: "Reward ingest outcomes per network",
		},
		[]string{"network", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(pollRuns, vaultFetchErrors, snapshotsSaved, rewardIngests)
}

// cronParser accepts 6-field expressions with a seconds column.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Poller owns the scheduling loop. A driver job fires every minute and runs
// each network whose own cron schedule has come due, so networks can poll at
// different cadences without one cron entry each.
type Poller struct {
	cfg     config.Config
	crawler *discovery.Crawler
	reader  *evault.Reader
	st      store.Store
	dedup   *rewards.Deduplicator
	merkl   *rewards.MerklClient

	cron *cron.Cron

	mu       sync.Mutex
	nextRuns map[string]time.Time
}

func New(cfg config.Config, crawler *discovery.Crawler, reader *evault.Reader,
	st store.Store, dedup *rewards.Deduplicator, merkl *rewards.MerklClient,
) *Poller {
	return &Poller{
		cfg:      cfg,
		crawler:  crawler,
		reader:   reader,
		st:       st,
		dedup:    dedup,
		merkl:    merkl,
		cron:     cron.New(cron.WithParser(cronParser)),
		nextRuns: make(map[string]time.Time),
	}
}

// Start schedules the polling driver and the reward ingest job.
func (p *Poller) Start() error {
	if _, err := p.cron.AddFunc("0 * * * * *", p.runDueNetworks); err != nil {
		return err
	}
	if _, err := p.cron.AddFunc(p.cfg.IngestCron, p.ingestAllNetworks); err != nil {
		return err
	}
	p.cron.Start()
	logrus.Infof("poller started for %d networks", len(p.cfg.Networks))
	return nil
}

// Stop halts scheduling and returns a context that is done when running
// jobs have finished.
func (p *Poller) Stop() context.Context {
	return p.cron.Stop()
}

// runDueNetworks is the every-minute driver. Each network has its own cron
// expression; a network runs when its next scheduled time has passed.
func (p *Poller) runDueNetworks() {
	now := time.Now()
	for network, net := range p.cfg.Networks {
		spec := net.PollCron
		if spec == "" {
			spec = p.cfg.DefaultCron
		}
		sched, err := cronParser.Parse(spec)
		if err != nil {
			logrus.Errorf("[poller] bad cron %q for network %s: %v", spec, network, err)
			continue
		}

		p.mu.Lock()
		next, ok := p.nextRuns[network]
		if !ok {
			next = sched.Next(now.Add(-time.Minute))
		}
		due := !next.After(now)
		if due {
			p.nextRuns[network] = sched.Next(now)
		} else {
			p.nextRuns[network] = next
		}
		p.mu.Unlock()

		if !due {
			logrus.Debugf("[poller] skipping %s, next run at %s", network, next)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := p.PollNetwork(ctx, network); err != nil {
			logrus.Errorf("[poller] network %s poll failed: %v", network, err)
			pollRuns.WithLabelValues(network, "error").Inc()
		} else {
			pollRuns.WithLabelValues(network, "ok").Inc()
		}
		cancel()
	}
}

// PollNetwork snapshots every vault on a network: discovery first, then one
// on-chain read per vault. Vault failures are logged and skipped; the batch
// persists whatever succeeded. All snapshots of the run share a batch
// timestamp while each keeps its own fetch time.
func (p *Poller) PollNetwork(ctx context.Context, network string) error {
	vaults, err := p.crawler.FetchAll(ctx, network, 0)
	if err != nil {
		return err
	}

	ts := time.Now().UTC().Truncate(time.Second)
	batch := make([]model.AssetSnapshot, 0, len(vaults))
	for _, v := range vaults {
		rates, err := p.reader.FetchSingle(ctx, network, v.Address)
		if err != nil {
			logrus.Errorf("[poller] fetch snapshot %s %s: %v", network, v.Address, err)
			vaultFetchErrors.WithLabelValues(network).Inc()
			continue
		}
		batch = append(batch, model.AssetSnapshot{
			Network:              network,
			VaultAddress:         strings.ToLower(v.Address),
			VaultAddressOriginal: v.Address,
			Ts:                   ts,
			TsTick:               time.Now().UTC(),
			BorrowAPRPct:         rates.BorrowAPRPct,
			SupplyAPRPct:         rates.SupplyAPRPct,
			UtilizationPct:       rates.UtilizationPct,
			VaultSymbol:          v.Symbol,
			VaultName:            v.Name,
		})
	}

	if len(batch) == 0 {
		logrus.Warnf("[poller] no snapshots collected for %s (%d vaults)", network, len(vaults))
		return nil
	}
	if err := p.st.SaveSnapshots(ctx, batch); err != nil {
		return err
	}
	snapshotsSaved.WithLabelValues(network).Add(float64(len(batch)))
	logrus.Infof("[poller] %s: saved %d/%d snapshots at %s", network, len(batch), len(vaults), ts)
	return nil
}

func (p *Poller) ingestAllNetworks() {
	for network := range p.cfg.Networks {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		stats, err := p.IngestRewards(ctx, network)
		cancel()
		if err != nil {
			logrus.Errorf("[poller] reward ingest for %s failed: %v", network, err)
			continue
		}
		logrus.Infof("[poller] %s reward ingest: created=%d updated=%d skipped=%d failed=%d",
			network, stats.Created, stats.Updated, stats.Skipped, stats.Failed)
	}
}

// IngestRewards pulls the reward feed for one network and stores the
// deduplicated records.
func (p *Poller) IngestRewards(ctx context.Context, network string) (rewards.IngestStats, error) {
	net, err := p.cfg.Require(network)
	if err != nil {
		return rewards.IngestStats{}, err
	}
	protocol := net.RewardProtocol
	if protocol == "" {
		protocol = "EULER"
	}

	opps, err := p.merkl.FetchAll(net.ChainID, protocol)
	if err != nil {
		return rewards.IngestStats{}, err
	}
	records := rewards.AdaptOpportunities(network, protocol, opps, time.Now())
	stats := p.dedup.Ingest(ctx, records)

	rewardIngests.WithLabelValues(network, "created").Add(float64(stats.Created))
	rewardIngests.WithLabelValues(network, "updated").Add(float64(stats.Updated))
	rewardIngests.WithLabelValues(network, "skipped").Add(float64(stats.Skipped))
	rewardIngests.WithLabelValues(network, "failed").Add(float64(stats.Failed))
	return stats, nil
}
