// Package evault reads vault interest and utilization metrics on-chain.
// Every read for one vault runs inside a single failover call so endpoint
// rotation spans the whole multi-call sequence.
package evault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/defistat/internal/config"
	"github.com/yourorg/defistat/internal/rpcpool"
)

// rayToPercent converts 1e27 fixed-point annual rates to percent:
// percent = ray / 1e27 * 100.
const rayToPercent = 1e25

const vaultABIJSON = `[
	{"name":"totalAssets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"totalBorrows","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"borrowAPY_RAY","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"supplyAPY_RAY","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]}
]`

const lensABIJSON = `[
	{"name":"getAPYs","type":"function","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"uint256"},{"type":"uint256"}]}
]`

var (
	vaultABI = mustParseABI(vaultABIJSON)
	lensABI  = mustParseABI(lensABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Rates is the result of one vault read. The two APR fields are NaN when
// both rate paths failed while utilization still succeeded.
type Rates struct {
	BorrowAPRPct   float64
	SupplyAPRPct   float64
	UtilizationPct float64
}

// contractCaller is the slice of ethclient.Client the reader needs.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader fetches vault metrics through the failover pool.
type Reader struct {
	pool *rpcpool.Pool
	cfg  config.Config
}

// NewReader creates a reader backed by the given endpoint pool.
func NewReader(pool *rpcpool.Pool, cfg config.Config) *Reader {
	return &Reader{pool: pool, cfg: cfg}
}

// FetchSingle reads borrow/supply APR and utilization for one vault.
// A failed or undecodable rate read degrades to NaN rates instead of an
// error, so the utilization that already succeeded is not discarded.
func (r *Reader) FetchSingle(ctx context.Context, network, vaultAddress string) (Rates, error) {
	net, err := r.cfg.Require(network)
	if err != nil {
		return Rates{}, err
	}

	return rpcpool.Execute(ctx, r.pool, network, func(ctx context.Context, client *rpc.Client) (Rates, error) {
		return fetchWith(ctx, ethclient.NewClient(client), net.UtilsLens, vaultAddress)
	})
}

// fetchWith performs the actual read sequence against one endpoint.
func fetchWith(ctx context.Context, caller contractCaller, lensAddr, vaultAddress string) (Rates, error) {
	vault := common.HexToAddress(vaultAddress)

	util, err := fetchUtilization(ctx, caller, vault)
	if err != nil {
		return Rates{}, err
	}

	borrowPct, supplyPct := fetchRates(ctx, caller, common.HexToAddress(lensAddr), vault)
	if err := rateLimitSignal(borrowPct); err != nil {
		return Rates{}, err
	}

	return Rates{
		BorrowAPRPct:   borrowPct,
		SupplyAPRPct:   supplyPct,
		UtilizationPct: util,
	}, nil
}

// fetchUtilization reads the two raw integer fields from the vault. These
// reads must succeed: a revert here fails the whole vault read.
func fetchUtilization(ctx context.Context, caller contractCaller, vault common.Address) (float64, error) {
	totalAssets, err := callUint256(ctx, caller, vaultABI, vault, "totalAssets")
	if err != nil {
		return 0, fmt.Errorf("vault totalAssets: %w", err)
	}
	totalBorrows, err := callUint256(ctx, caller, vaultABI, vault, "totalBorrows")
	if err != nil {
		return 0, fmt.Errorf("vault totalBorrows: %w", err)
	}

	assets, _ := new(big.Float).SetInt(totalAssets).Float64()
	borrows, _ := new(big.Float).SetInt(totalBorrows).Float64()
	if assets <= 0 {
		return 0, nil
	}
	return borrows / assets * 100.0, nil
}

// rateLimitSentinel marks a rate-limited lens read so the failover pool can
// rotate endpoints. It never leaves this package.
var rateLimitSentinel = math.Inf(-1)

func rateLimitSignal(v float64) error {
	if v == rateLimitSentinel {
		return fmt.Errorf("lens getAPYs: %w", rpcpool.ErrRateLimited)
	}
	return nil
}

// fetchRates attempts the combined lens read first and falls back to the
// vault's direct rate fields. Both failing yields NaN rates, a partial
// result rather than a hard failure.
func fetchRates(ctx context.Context, caller contractCaller, lens, vault common.Address) (borrowPct, supplyPct float64) {
	borrowPct, supplyPct, err := tryLensRates(ctx, caller, lens, vault)
	if err == nil {
		return borrowPct, supplyPct
	}
	if IsRateLimitError(err) {
		logrus.Warnf("[evault] getAPYs rate-limited for vault %s: %v", vault, err)
		return rateLimitSentinel, rateLimitSentinel
	}
	logrus.Warnf("[evault] lens getAPYs failed for vault %s, falling back to direct reads: %v", vault, err)

	borrowPct, supplyPct, err = tryDirectRates(ctx, caller, vault)
	if err != nil {
		logrus.Warnf("[evault] direct rate reads failed for vault %s: %v", vault, err)
		return math.NaN(), math.NaN()
	}
	return borrowPct, supplyPct
}

func tryLensRates(ctx context.Context, caller contractCaller, lens, vault common.Address) (float64, float64, error) {
	data, err := lensABI.Pack("getAPYs", vault)
	if err != nil {
		return 0, 0, err
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &lens, Data: data}, nil)
	if err != nil {
		return 0, 0, err
	}
	values, err := lensABI.Unpack("getAPYs", out)
	if err != nil || len(values) != 2 {
		return 0, 0, fmt.Errorf("decode getAPYs output: %w", err)
	}
	borrowRay, ok1 := values[0].(*big.Int)
	supplyRay, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return 0, 0, errors.New("getAPYs returned unexpected types")
	}
	return rayToPct(borrowRay), rayToPct(supplyRay), nil
}

func tryDirectRates(ctx context.Context, caller contractCaller, vault common.Address) (float64, float64, error) {
	borrowRay, err := callUint256(ctx, caller, vaultABI, vault, "borrowAPY_RAY")
	if err != nil {
		return 0, 0, err
	}
	supplyRay, err := callUint256(ctx, caller, vaultABI, vault, "supplyAPY_RAY")
	if err != nil {
		return 0, 0, err
	}
	return rayToPct(borrowRay), rayToPct(supplyRay), nil
}

func callUint256(ctx context.Context, caller contractCaller, contractABI abi.ABI, to common.Address, method string) (*big.Int, error) {
	data, err := contractABI.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", method, err)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned unexpected type", method)
	}
	return v, nil
}

func rayToPct(ray *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(ray), big.NewFloat(rayToPercent)).Float64()
	return f
}

// IsRateLimitError recognizes the rate-limit responses some providers return
// at the JSON-RPC level instead of the transport level: error code -32016 or
// an "over rate limit" message.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32016 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "over rate limit") || strings.Contains(msg, "-32016")
}
