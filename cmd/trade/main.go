package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/config"
	"github.com/tidemill/tidemill/internal/dispatch"
	"github.com/tidemill/tidemill/internal/execution"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/market"
	"github.com/tidemill/tidemill/internal/strategy"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/internal/venue"
)

const (
	primeRetryDelay = 5 * time.Second
	resyncInterval  = 30 * time.Second
	defaultStatus   = ":8089"
)

func tradeAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	zlog, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()

	strat, err := strategy.NewBuiltin(cmd.String("strategy"))
	if err != nil {
		return err
	}

	client := venue.NewClient(venue.Options{
		APIKey:    cfg.Venue.APIKey,
		APISecret: cfg.Venue.APISecret,
		Testnet:   cfg.Venue.Testnet,
	}, cfg.Instruments, zlog)

	book := account.NewBook(cfg.DefaultCoin, zlog)

	zlog.Info("priming account state")

	if err := book.Prime(ctx, client, primeRetryDelay); err != nil {
		return err
	}

	store := market.NewCandleStore(cfg.RetainedBars)
	engine := execution.NewLiveEngine(book, client, cfg.Retry, zlog)

	started := time.Now()

	// The book is single-writer and owned by the pump goroutine, so the
	// status endpoint serves a copy published from that goroutine.
	status := &statusState{}
	status.update(book)

	onBar := func(topic types.Topic, candle types.Candle) {
		status.update(book)
	}

	onSignal := func(topic types.Topic, candle types.Candle) {
		err := strat.OnBar(strategy.Context{
			Ctx:     ctx,
			Topic:   topic,
			Candle:  candle,
			Market:  store,
			Account: book,
			Engine:  engine,
			Logger:  zlog,
		})
		if err != nil {
			zlog.Error("strategy returned an error",
				zap.String("strategy", strat.Name()),
				zap.String("topic", topic.String()),
				zap.Error(err),
			)
		}
	}

	dispatcher := dispatch.NewDispatcher(store, book, cfg.Frequency, onBar, onSignal, zlog)
	pump := dispatch.NewPump(dispatch.DefaultPumpCapacity, dispatcher, zlog)

	stream := venue.NewStream(pump, zlog)
	defer stream.Close()

	for _, inst := range cfg.Instruments {
		for _, tf := range cfg.Timeframes {
			if err := stream.SubscribeKlines(inst.Symbol, tf); err != nil {
				return err
			}
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go resyncLoop(runCtx, client, pump, zlog)

	statusAddr := cfg.StatusAddr
	if statusAddr == "" {
		statusAddr = defaultStatus
	}

	server := statusServer(statusAddr, status, started)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error("status server failed", zap.Error(err))
		}
	}()

	zlog.Info("trading session started",
		zap.String("strategy", strat.Name()),
		zap.String("status_addr", statusAddr),
	)

	err = pump.Run(runCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	zlog.Info("trading session stopped")

	if err == context.Canceled {
		return nil
	}

	return err
}

// resyncLoop periodically refreshes account state by replaying a REST
// snapshot through the pump, so all book writes stay on one goroutine.
func resyncLoop(ctx context.Context, client *venue.Client, pump *dispatch.Pump, zlog *logger.Logger) {
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := client.Snapshot(ctx)
			if err != nil {
				zlog.Warn("account resync failed", zap.Error(err))

				continue
			}

			push(pump, types.TopicKindPosition, snap.Positions)
			push(pump, types.TopicKindExecution, snap.Executions)
			push(pump, types.TopicKindOrder, snap.Orders)
			push(pump, types.TopicKindStopOrder, snap.StopOrders)
			push(pump, types.TopicKindWallet, snap.Wallet)
		}
	}
}

func push[T any](pump *dispatch.Pump, kind types.TopicKind, rows []T) {
	raw, err := json.Marshal(map[string]any{
		"topic": string(kind),
		"data":  rows,
	})
	if err != nil {
		return
	}

	pump.Push(raw)
}

// statusState is the read side for the HTTP endpoint, refreshed from the
// pump goroutine on every confirmed bar.
type statusState struct {
	mu        sync.RWMutex
	positions []types.Position
	wallet    []types.WalletEntry
}

func (s *statusState) update(book *account.Book) {
	positions := book.Positions()
	wallet := book.WalletEntries()

	s.mu.Lock()
	s.positions = positions
	s.wallet = wallet
	s.mu.Unlock()
}

func (s *statusState) snapshot() ([]types.Position, []types.WalletEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.positions, s.wallet
}

func statusServer(addr string, status *statusState, started time.Time) *http.Server {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		positions, wallet := status.snapshot()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uptime":    time.Since(started).String(),
			"positions": positions,
			"wallet":    wallet,
		})
	}).Methods(http.MethodGet)

	router.HandleFunc("/positions/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		symbol := mux.Vars(r)["symbol"]
		positions, _ := status.snapshot()

		for _, pos := range positions {
			if pos.Symbol == symbol {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(pos)

				return
			}
		}

		http.NotFound(w, r)
	}).Methods(http.MethodGet)

	return &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
}

func main() {
	cmd := &cli.Command{
		Name:  "trade",
		Usage: "Run a strategy against the live venue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the YAML config file",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "strategy",
				Aliases: []string{"s"},
				Usage:   "Built-in strategy name",
				Value:   "sma_cross",
			},
		},
		Action: tradeAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
