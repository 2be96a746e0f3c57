package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/tidemill/tidemill/internal/backtest/history"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/types"
)

const insertBatchSize = 5000

func downloadAction(ctx context.Context, cmd *cli.Command) error {
	apiKey := cmd.String("api-key")
	if apiKey == "" {
		apiKey = os.Getenv("POLYGON_API_KEY")
	}

	if apiKey == "" {
		return fmt.Errorf("no API key: set --api-key or POLYGON_API_KEY")
	}

	ticker := cmd.String("ticker")
	symbol := cmd.String("symbol")

	if symbol == "" {
		symbol = ticker
	}

	start := cmd.Timestamp("start")
	end := cmd.Timestamp("end")

	if start.IsZero() || end.IsZero() || !end.After(start) {
		return fmt.Errorf("need --start before --end")
	}

	zlog, err := logger.NewLogger()
	if err != nil {
		return err
	}

	store, err := history.NewDuckDBStore(cmd.String("data"), zlog)
	if err != nil {
		return err
	}
	defer store.Close()

	runID := uuid.New().String()
	zlog.Info("download started",
		zap.String("run_id", runID),
		zap.String("ticker", ticker),
		zap.String("symbol", symbol),
		zap.Time("start", start),
		zap.Time("end", end),
	)

	client := polygon.New(apiKey)

	params := models.ListAggsParams{
		Ticker:     ticker,
		Multiplier: 1,
		Timespan:   models.Minute,
		From:       models.Millis(start),
		To:         models.Millis(end),
	}.WithOrder(models.Asc).WithLimit(50000).WithAdjusted(true)

	iter := client.ListAggs(ctx, params)

	bar := progressbar.Default(-1, "downloading")

	var (
		batch []types.Candle
		total int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		if err := store.InsertCandles(ctx, symbol, types.Timeframe1m, batch); err != nil {
			return err
		}

		total += len(batch)
		batch = batch[:0]

		return nil
	}

	for iter.Next() {
		agg := iter.Item()
		barStart := time.Time(agg.Timestamp)

		batch = append(batch, types.Candle{
			Start:     barStart,
			End:       barStart.Add(time.Minute),
			Open:      agg.Open,
			High:      agg.High,
			Low:       agg.Low,
			Close:     agg.Close,
			Volume:    agg.Volume,
			Turnover:  agg.VWAP * agg.Volume,
			Confirmed: true,
		})

		_ = bar.Add(1)

		if len(batch) >= insertBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("aggregate listing failed: %w", err)
	}

	if err := flush(); err != nil {
		return err
	}

	zlog.Info("download finished",
		zap.String("run_id", runID),
		zap.Int("candles", total),
	)
	fmt.Printf("stored %d candles for %s\n", total, symbol)

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "download",
		Usage: "Download minute candles into the local DuckDB history",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "ticker",
				Aliases:  []string{"t"},
				Usage:    "Polygon ticker, e.g. X:BTCUSD",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "symbol",
				Usage: "Symbol to store the candles under (defaults to ticker)",
			},
			&cli.StringFlag{
				Name:  "data",
				Usage: "DuckDB candle file",
				Value: "data/candles.duckdb",
			},
			&cli.TimestampFlag{
				Name:     "start",
				Usage:    "Range start (RFC3339)",
				Required: true,
			},
			&cli.TimestampFlag{
				Name:     "end",
				Usage:    "Range end (RFC3339)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "api-key",
				Usage: "Polygon API key (or POLYGON_API_KEY)",
			},
		},
		Action: downloadAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
