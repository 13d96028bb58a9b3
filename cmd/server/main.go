// Package main is the entry point for the defistat service. It polls lending
// vault rates on-chain, ingests reward campaigns, and serves ROE and health
// factor calculations for leveraged vault pairs over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/defistat/internal/config"
	"github.com/yourorg/defistat/internal/discovery"
	"github.com/yourorg/defistat/internal/engine"
	"github.com/yourorg/defistat/internal/evault"
	"github.com/yourorg/defistat/internal/history"
	"github.com/yourorg/defistat/internal/model"
	"github.com/yourorg/defistat/internal/otel"
	"github.com/yourorg/defistat/internal/poller"
	"github.com/yourorg/defistat/internal/rewards"
	"github.com/yourorg/defistat/internal/rpcpool"
	"github.com/yourorg/defistat/internal/store"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server bundles the HTTP layer with the services it exposes.
type Server struct {
	cfg     config.Config
	st      store.Store
	points  *engine.Service
	hourly  *engine.HourlyService
	jobs    *poller.Poller
	metrics *serverMetrics
	limiter *rate.Limiter

	server *http.Server
}

// serverMetrics holds Prometheus metrics for the HTTP layer
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics() *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defistat_requests_total",
				Help: "Total number of API requests processed",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "defistat_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}

	prometheus.MustRegister(m.requestCounter, m.requestDuration)
	return m
}

func main() {
	setupLogging()

	cfg := config.Load()
	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	pool, err := rpcpool.New(cfg.Networks, rpcpool.Options{})
	if err != nil {
		logrus.Fatalf("rpc pool: %v", err)
	}
	reader := evault.NewReader(pool, cfg)

	st, err := openStore()
	if err != nil {
		logrus.Fatalf("store: %v", err)
	}

	resolver := rewards.NewResolver(st)
	dedup := rewards.NewDeduplicator(st)
	merkl := rewards.NewMerklClient(cfg.RewardFeedURL, cfg.RequestTimeout)
	feed := history.NewClient(cfg.HistoryURL, cfg.HistoryChainMap, cfg.RequestTimeout)
	crawler := discovery.NewCrawler(cfg)

	jobs := poller.New(cfg, crawler, reader, st, dedup, merkl)
	if err := jobs.Start(); err != nil {
		logrus.Fatalf("poller: %v", err)
	}

	srv := &Server{
		cfg:     cfg,
		st:      st,
		points:  engine.NewService(st, resolver, cfg),
		hourly:  engine.NewHourlyService(feed, resolver, cfg),
		jobs:    jobs,
		metrics: registerMetrics(),
		limiter: rate.NewLimiter(
			rate.Limit(config.GetEnvAsFloat("RATE_LIMIT_RPS", 20.0)),
			config.GetEnvAsInt("RATE_LIMIT_BURST", 40)),
	}
	srv.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// openStore picks ClickHouse when CLICKHOUSE_ADDR is set, an in-memory store
// otherwise. The in-memory store is intended for local development.
func openStore() (store.Store, error) {
	addr := os.Getenv("CLICKHOUSE_ADDR")
	if addr == "" {
		logrus.Warn("CLICKHOUSE_ADDR not set, using in-memory store")
		return store.NewMemStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return store.NewCHStore(ctx, store.CHOptions{
		Addr:     strings.Split(addr, ","),
		Database: config.GetEnvOrDefault("CLICKHOUSE_DATABASE", "defistat"),
		Username: config.GetEnvOrDefault("CLICKHOUSE_USER", "default"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	})
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/roe-hf", s.wrap("roe-hf", s.handlePoint))
	mux.HandleFunc("/api/v1/roe-hf/series", s.wrap("series", s.handleSeries))
	mux.HandleFunc("/api/v1/roe-hf/series-hourly", s.wrap("series-hourly", s.handleSeriesHourly))
	mux.HandleFunc("/api/v1/rewards/ingest", s.wrap("rewards-ingest", s.handleRewardsIngest))
	mux.HandleFunc("/api/v1/assets", s.wrap("assets", s.handleAssets))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	<-s.jobs.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server shutdown failed: %v", err)
	}
	logrus.Info("Server stopped")
}

// wrap applies rate limiting and request metrics around an API handler. The
// inner handler returns the status code it wrote.
func (s *Server) wrap(endpoint string, h func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if !s.limiter.Allow() {
			s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			s.metrics.requestCounter.WithLabelValues(endpoint, "throttled").Inc()
			return
		}

		code := h(w, r)
		status := "success"
		if code >= http.StatusBadRequest {
			status = "error"
		}
		s.metrics.requestCounter.WithLabelValues(endpoint, status).Inc()
		s.metrics.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// pointRequest is the wire form of an ROE/HF calculation request. Timestamps
// are unix seconds.
type pointRequest struct {
	Network         string  `json:"network"`
	CollateralVault string  `json:"collateralVault"`
	BorrowVault     string  `json:"borrowVault"`
	Leverage        float64 `json:"leverage"`

	Ts *int64 `json:"ts,omitempty"`

	CollateralRewardsAPRPct *float64 `json:"collateralRewardsAprPct,omitempty"`
	BorrowRewardsAPRPct     *float64 `json:"borrowRewardsAprPct,omitempty"`
	LiquidationThresholdPct *float64 `json:"liquidationThresholdPct,omitempty"`
	PriceCollateralUSD      *float64 `json:"priceCollateralUsd,omitempty"`
	PriceBorrowUSD          *float64 `json:"priceBorrowUsd,omitempty"`
}

type seriesRequest struct {
	pointRequest

	From             int64 `json:"from"`
	To               int64 `json:"to"`
	TickToleranceSec int64 `json:"tickToleranceSec,omitempty"`
}

func (r pointRequest) toEngine() engine.PointRequest {
	req := engine.PointRequest{
		Network:                 r.Network,
		CollateralVault:         r.CollateralVault,
		BorrowVault:             r.BorrowVault,
		Leverage:                r.Leverage,
		CollateralRewardsAPRPct: r.CollateralRewardsAPRPct,
		BorrowRewardsAPRPct:     r.BorrowRewardsAPRPct,
		LiquidationThresholdPct: r.LiquidationThresholdPct,
		PriceCollateralUSD:      r.PriceCollateralUSD,
		PriceBorrowUSD:          r.PriceBorrowUSD,
	}
	if r.Ts != nil {
		ts := time.Unix(*r.Ts, 0).UTC()
		req.Ts = &ts
	}
	return req
}

func (r seriesRequest) toEngine() engine.SeriesRequest {
	return engine.SeriesRequest{
		Network:                 r.Network,
		CollateralVault:         r.CollateralVault,
		BorrowVault:             r.BorrowVault,
		Leverage:                r.Leverage,
		From:                    time.Unix(r.From, 0).UTC(),
		To:                      time.Unix(r.To, 0).UTC(),
		TickTolerance:           time.Duration(r.TickToleranceSec) * time.Second,
		CollateralRewardsAPRPct: r.CollateralRewardsAPRPct,
		BorrowRewardsAPRPct:     r.BorrowRewardsAPRPct,
		LiquidationThresholdPct: r.LiquidationThresholdPct,
		PriceCollateralUSD:      r.PriceCollateralUSD,
		PriceBorrowUSD:          r.PriceBorrowUSD,
	}
}

func (s *Server) handlePoint(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		return s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
	var req pointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.errorResponse(w, http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	point, err := s.points.ComputePoint(ctx, req.toEngine())
	if err != nil {
		return s.errorResponse(w, calcStatus(err), err.Error())
	}
	return s.jsonResponse(w, http.StatusOK, point)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		return s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
	var req seriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.errorResponse(w, http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	points, err := s.points.ComputeSeries(ctx, req.toEngine())
	if err != nil {
		return s.errorResponse(w, calcStatus(err), err.Error())
	}
	return s.seriesResponse(w, points)
}

func (s *Server) handleSeriesHourly(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		return s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
	var req seriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.errorResponse(w, http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	points, err := s.hourly.ComputeSeries(ctx, req.toEngine())
	if err != nil {
		return s.errorResponse(w, calcStatus(err), err.Error())
	}
	return s.seriesResponse(w, points)
}

func (s *Server) handleRewardsIngest(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		return s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
	// The body is optional; no network means ingest every configured one.
	var req struct {
		Network string `json:"network"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return s.errorResponse(w, http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	networks := []string{req.Network}
	if req.Network == "" {
		networks = networks[:0]
		for name := range s.cfg.Networks {
			networks = append(networks, name)
		}
	}

	totals := map[string]rewards.IngestStats{}
	for _, network := range networks {
		stats, err := s.jobs.IngestRewards(ctx, network)
		if err != nil {
			if len(networks) == 1 {
				return s.errorResponse(w, calcStatus(err), err.Error())
			}
			logrus.Errorf("reward ingest for %s failed: %v", network, err)
			continue
		}
		totals[network] = stats
	}
	return s.jsonResponse(w, http.StatusOK, totals)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodGet {
		return s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
	network := r.URL.Query().Get("network")
	if network == "" {
		return s.errorResponse(w, http.StatusBadRequest, "network query parameter required")
	}
	if _, err := s.cfg.Require(network); err != nil {
		return s.errorResponse(w, http.StatusNotFound, err.Error())
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	vaults, err := s.st.Vaults(ctx, network)
	if err != nil {
		return s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
	return s.jsonResponse(w, http.StatusOK, map[string]any{
		"network": network,
		"vaults":  vaults,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	networks := make([]string, 0, len(s.cfg.Networks))
	for name := range s.cfg.Networks {
		networks = append(networks, name)
	}
	status := map[string]any{
		"status":   "operational",
		"uptime":   time.Since(startTime).String(),
		"networks": networks,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// seriesResponse always sends a list, never null, so an empty series is
// distinguishable from an error.
func (s *Server) seriesResponse(w http.ResponseWriter, points []model.MetricPoint) int {
	if points == nil {
		points = []model.MetricPoint{}
	}
	return s.jsonResponse(w, http.StatusOK, map[string]any{
		"points": points,
		"count":  len(points),
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, code int, body any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Warnf("encode response: %v", err)
	}
	return code
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, msg string) int {
	logrus.Warn(msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"error":  msg,
	})
	return code
}

// calcStatus maps calculation errors to HTTP status codes.
func calcStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidLeverage),
		errors.Is(err, model.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, config.ErrUnknownNetwork),
		errors.Is(err, engine.ErrNoSnapshot):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
