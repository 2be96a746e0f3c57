package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tidemill/tidemill/internal/backtest"
	"github.com/tidemill/tidemill/internal/backtest/history"
	"github.com/tidemill/tidemill/internal/config"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/strategy"
)

func backtestAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	log, err := logger.NewLogger()
	if err != nil {
		return err
	}

	strat, err := strategy.NewBuiltin(cmd.String("strategy"))
	if err != nil {
		return err
	}

	historyPath := cfg.HistoryPath
	if override := cmd.String("data"); override != "" {
		historyPath = override
	}

	store, err := history.NewDuckDBStore(historyPath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	start, end, err := window(cfg, cmd)
	if err != nil {
		return err
	}

	params := backtest.Params{
		Instruments:     cfg.Instruments,
		Timeframes:      cfg.Timeframes,
		Frequency:       cfg.Frequency,
		Start:           start,
		End:             end,
		InitialBalances: cfg.InitialBalances,
		DefaultCoin:     cfg.DefaultCoin,
		Fees:            cfg.Fees(),
		RetainedBars:    cfg.RetainedBars,
		ShowProgress:    !cmd.Bool("quiet"),
	}

	replayer, err := backtest.NewReplayer(params, store, strat, log)
	if err != nil {
		return err
	}

	report, err := replayer.Run(ctx)
	if err != nil {
		return err
	}

	reportPath := cfg.ReportPath
	if override := cmd.String("report"); override != "" {
		reportPath = override
	}

	if reportPath != "" {
		if err := report.WriteYAML(reportPath); err != nil {
			return err
		}

		fmt.Printf("report written to %s\n", reportPath)
	}

	fmt.Printf("balance %.2f -> %.2f (%+.2f, %+.4f%%)\n",
		report.StartingBalance, report.FinalBalance,
		report.NetReturn, report.ReturnFraction*100)

	for _, inst := range report.Instruments {
		fmt.Printf("%s: %d trades, %d wins, %d losses, net pnl %+.2f\n",
			inst.Symbol, inst.ClosedTrades, inst.Wins, inst.Losses, inst.NetPnL)
	}

	return nil
}

// window resolves the replay boundaries: CLI flags win over config values.
func window(cfg config.Config, cmd *cli.Command) (time.Time, time.Time, error) {
	start := cmd.Timestamp("start")
	if start.IsZero() {
		if cfg.Start.IsNone() {
			return time.Time{}, time.Time{}, fmt.Errorf("no start time: set --start or config start")
		}

		start = cfg.Start.Unwrap()
	}

	end := cmd.Timestamp("end")
	if end.IsZero() {
		if cfg.End.IsNone() {
			return time.Time{}, time.Time{}, fmt.Errorf("no end time: set --end or config end")
		}

		end = cfg.End.Unwrap()
	}

	return start, end, nil
}

func main() {
	cmd := &cli.Command{
		Name:  "backtest",
		Usage: "Replay candle history through a strategy and report performance",
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
			&cli.StringFlag{
				Name:  "data",
				Usage: "DuckDB candle file (overrides config history_path)",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Report output path (overrides config report_path)",
			},
			&cli.TimestampFlag{
				Name:  "start",
				Usage: "Replay start (RFC3339, overrides config)",
			},
			&cli.TimestampFlag{
				Name:  "end",
				Usage: "Replay end (RFC3339, overrides config)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Disable the progress bar",
			},
		},
		Action: backtestAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
