package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/simx/pkg/feed"
	"github.com/luxfi/simx/pkg/sx"
	"github.com/luxfi/simx/pkg/store"
)

const (
	defaultDataDir   = ".simxd"
	defaultFeedPort  = 8081
	defaultCycleTime = 1 * time.Second
)

type Config struct {
	DataDir  string
	LogLevel string

	FeedPort int

	CycleTime        time.Duration
	SnapshotInterval uint64
	Seed             int64

	Symbols []string
}

// market holds the simulated external world: prices walked randomly each
// cycle, per-symbol floats and aggregate short interest.
type market struct {
	prices       map[string]sx.Quote
	floats       map[string]float64
	totalShorted map[string]float64
	rng          *rand.Rand
}

func newMarket(symbols []string, seed int64) *market {
	rng := rand.New(rand.NewSource(seed))
	m := &market{
		prices:       make(map[string]sx.Quote),
		floats:       make(map[string]float64),
		totalShorted: make(map[string]float64),
		rng:          rng,
	}
	for _, symbol := range symbols {
		m.prices[symbol] = sx.Quote{
			Price:             50 + rng.Float64()*200,
			MarketCapBillions: 1 + rng.Float64()*50,
		}
		m.floats[symbol] = 1e6 + rng.Float64()*9e6
	}
	return m
}

// walk moves every price by a bounded random step.
func (m *market) walk() {
	for symbol, quote := range m.prices {
		drift := 1 + (m.rng.Float64()-0.5)*0.04
		quote.Price *= drift
		if quote.Price < 1 {
			quote.Price = 1
		}
		m.prices[symbol] = quote
	}
}

func (m *market) input() sx.CycleInput {
	return sx.CycleInput{
		Prices:       m.prices,
		Floats:       m.floats,
		TotalShorted: m.totalShorted,
	}
}

type SimxNode struct {
	config *Config
	engine *sx.Engine
	store  *store.SnapshotStore
	feed   *feed.Server
	market *market
	logger log.Logger

	metrics      metric.Registry
	cyclesRun    metric.Counter
	ordersSeeded metric.Counter
	forcedCovers metric.Counter
	cycleLatency metric.Histogram

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSimxNode(config *Config) (*SimxNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing simx node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	snapshots, err := store.Open(dataPath, logger)
	if err != nil {
		return nil, err
	}

	engineCfg := sx.DefaultConfig()
	engineCfg.Symbols = config.Symbols
	engine := sx.NewEngine(engineCfg)

	// Resume from the latest snapshot when one exists.
	if state, found, err := snapshots.LoadLatest(); err != nil {
		logger.Warn("Failed to load snapshot", "error", err)
	} else if found {
		engine.RestoreState(state)
		logger.Info("Resumed from snapshot", "cycle", state.Cycle)
	} else {
		logger.Info("No previous state found, starting fresh")
	}

	metrics := metric.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	node := &SimxNode{
		config:       config,
		engine:       engine,
		store:        snapshots,
		market:       newMarket(config.Symbols, config.Seed),
		logger:       logger,
		metrics:      metrics,
		cyclesRun:    metrics.NewCounter("cycles.run", "cycles run"),
		ordersSeeded: metrics.NewCounter("orders.seeded", "orders seeded"),
		forcedCovers: metrics.NewCounter("shorts.forced_covers", "forced covers"),
		cycleLatency: metrics.NewHistogram("cycle.latency.microseconds", "cycle latency in microseconds", nil),
		ctx:          ctx,
		cancel:       cancel,
	}

	feedCfg := feed.DefaultConfig()
	feedCfg.Port = config.FeedPort
	node.feed = feed.NewServer(engine, logger, feedCfg)

	return node, nil
}

func (n *SimxNode) Start() error {
	n.logger.Info("Starting simx node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"feedPort", n.config.FeedPort,
		"cycleTime", n.config.CycleTime,
		"symbols", n.config.Symbols)

	n.wg.Add(1)
	go n.runCycles()

	n.wg.Add(1)
	go n.printStats()

	go func() {
		if err := n.feed.Start(); err != nil {
			n.logger.Error("Feed server error", "error", err)
		}
	}()

	n.logger.Info("simx node started successfully")
	return nil
}

func (n *SimxNode) runCycles() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.CycleTime)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.runCycle()
		}
	}
}

func (n *SimxNode) runCycle() {
	start := time.Now()

	n.market.walk()
	n.seedOrderFlow()

	report := n.engine.AdvanceCycle(n.market.input())

	// Triggered conditionals convert into resting book orders.
	for _, t := range report.Triggered {
		price := t.TriggerPrice
		if t.Order.Type == sx.StopLimit || t.Order.Type == sx.Limit {
			price = t.Order.LimitPrice
		}
		entry := &sx.BookEntry{
			TraderID: t.Order.TraderID,
			Symbol:   t.Order.Symbol,
			Side:     t.Order.Side,
			Price:    price,
			Shares:   t.Order.Shares,
		}
		if err := n.engine.Books().AddOrder(entry); err != nil {
			n.logger.Warn("Failed to place triggered order", "orderId", t.Order.ID, "error", err)
		}
	}

	// Matured loans auto-settle from the simulated account; the virtual
	// account always covers the balance in this harness.
	for _, loan := range report.MaturedLoans {
		n.engine.ProcessLoanMaturity(loan.ID, loan.Balance, true)
	}
	for _, loan := range report.LoansNeedingWarning {
		n.logger.Warn("Loan approaching maturity",
			"loanNumber", loan.LoanNumber, "cyclesLeft", loan.RemainingCycles, "balance", loan.Balance)
		n.engine.Credit().MarkMaturityWarning(loan.ID)
	}

	// Forced covers buy back at the current market price.
	for _, symbol := range report.ForcedCovers {
		quote := n.market.prices[symbol]
		pos := n.engine.Margin().Position(symbol)
		if pos == nil {
			continue
		}
		result, err := n.engine.Margin().CloseShortPosition(symbol, pos.Shares)
		if err != nil {
			n.logger.Error("Forced cover failed", "symbol", symbol, "error", err)
			continue
		}
		n.forcedCovers.Inc()
		n.logger.Warn("Forced cover executed",
			"symbol", symbol,
			"shares", result.SharesClosed,
			"entryPrice", result.EntryPrice,
			"coverPrice", quote.Price,
			"realizedPL", (result.EntryPrice-quote.Price)*result.SharesClosed)
	}

	if n.config.SnapshotInterval > 0 && report.Cycle%n.config.SnapshotInterval == 0 {
		if err := n.store.Save(n.engine.State()); err != nil {
			n.logger.Error("Failed to save snapshot", "error", err)
		}
	}

	n.feed.PublishCycle(report)
	n.feed.PublishBooks()

	n.cyclesRun.Inc()
	n.cycleLatency.Observe(float64(time.Since(start).Microseconds()))
}

// seedOrderFlow places a handful of virtual counterparty orders around the
// current price so the books stay populated.
func (n *SimxNode) seedOrderFlow() {
	rng := n.market.rng
	for symbol, quote := range n.market.prices {
		for i := 0; i < 3; i++ {
			side := sx.Buy
			offset := -(1 + rng.Float64()*2) // bids below market
			if rng.Intn(2) == 1 {
				side = sx.Sell
				offset = 1 + rng.Float64()*2
			}
			ttl := 5 + rng.Intn(20)
			entry := &sx.BookEntry{
				TraderID:        fmt.Sprintf("virt-%d", rng.Intn(100)),
				Symbol:          symbol,
				Side:            side,
				Price:           quote.Price * (1 + offset/100),
				Shares:          float64(10 + rng.Intn(490)),
				RemainingCycles: &ttl,
			}
			if err := n.engine.Books().AddOrder(entry); err != nil {
				n.logger.Warn("Failed to seed order", "symbol", symbol, "error", err)
				continue
			}
			n.ordersSeeded.Inc()
		}
	}
}

func (n *SimxNode) printStats() {
	defer n.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(startTime).Seconds()
			cycles := n.cyclesRun.Get()
			n.logger.Info("simx node status",
				"uptime", fmt.Sprintf("%.0fs", elapsed),
				"cycle", n.engine.Cycle(),
				"cyclesPerSec", fmt.Sprintf("%.2f", float64(cycles)/elapsed),
				"ordersSeeded", n.ordersSeeded.Get(),
				"activeLoans", len(n.engine.Credit().ActiveLoans()),
				"openShorts", len(n.engine.Margin().Positions()),
				"creditScore", n.engine.Credit().CreditScore())
		}
	}
}

func (n *SimxNode) Shutdown() {
	n.logger.Info("Shutting down simx node...")

	n.cancel()
	n.feed.Stop()
	n.wg.Wait()

	// Final snapshot so a restart resumes at the current cycle.
	if err := n.store.Save(n.engine.State()); err != nil {
		n.logger.Error("Failed to save final snapshot", "error", err)
	}
	if err := n.store.Close(); err != nil {
		n.logger.Error("Failed to close store", "error", err)
	}

	n.logger.Info("simx node shutdown complete")
}

func main() {
	config := &Config{
		DataDir: defaultDataDir,
	}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&config.FeedPort, "feed-port", defaultFeedPort, "WebSocket feed port")
	cycleTime := flag.Duration("cycle-time", defaultCycleTime, "Wall time per simulation cycle")
	snapshotInterval := flag.Uint64("snapshot-interval", 60, "Cycles between snapshots (0 disables)")
	seed := flag.Int64("seed", 42, "Price model random seed")
	symbols := flag.String("symbols", "AAPL,MSFT,NVDA,RIVN,PLTR", "Comma-separated symbols")
	flag.Parse()

	config.LogLevel = *logLevel
	config.CycleTime = *cycleTime
	config.SnapshotInterval = *snapshotInterval
	config.Seed = *seed
	config.Symbols = splitSymbols(*symbols)

	rootLogger := log.Root()
	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir),
		"cycleTime", config.CycleTime)

	node, err := NewSimxNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}

func splitSymbols(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
