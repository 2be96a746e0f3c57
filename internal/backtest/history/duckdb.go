package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/moznion/go-optional"

	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
	"go.uber.org/zap"
)

// DuckDBStore keeps downloaded candles in a DuckDB file and serves them as
// a Provider. The downloader writes through InsertCandles; backtests only
// read.
type DuckDBStore struct {
	db  *sql.DB
	sq  squirrel.StatementBuilderType
	log *logger.Logger
}

// NewDuckDBStore opens (or creates) the database at path and ensures the
// candle table exists.
func NewDuckDBStore(path string, log *logger.Logger) (*DuckDBStore, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeHistoryQueryFailed, err, "failed to open duckdb at %s", path)
	}

	store := &DuckDBStore{
		db:  db,
		sq:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		log: log,
	}

	if err := store.createSchema(); err != nil {
		db.Close()

		return nil, err
	}

	return store, nil
}

func (s *DuckDBStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR NOT NULL,
			timeframe VARCHAR NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			turnover DOUBLE NOT NULL,
			PRIMARY KEY (symbol, timeframe, start_time)
		);
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeHistoryQueryFailed, "failed to create candle table", err)
	}

	return nil
}

// InsertCandles upserts a batch of candles for one symbol and timeframe.
func (s *DuckDBStore) InsertCandles(ctx context.Context, symbol string, tf types.Timeframe, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	builder := s.sq.
		Insert("candles").
		Columns("symbol", "timeframe", "start_time", "end_time", "open", "high", "low", "close", "volume", "turnover")

	for _, c := range candles {
		builder = builder.Values(symbol, string(tf), c.Start.UTC(), c.End.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume, c.Turnover)
	}

	query, args, err := builder.
		Suffix("ON CONFLICT (symbol, timeframe, start_time) DO UPDATE SET open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close, volume = excluded.volume, turnover = excluded.turnover, end_time = excluded.end_time").
		ToSql()
	if err != nil {
		return errors.Wrap(errors.ErrCodeHistoryQueryFailed, "failed to build insert", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(errors.ErrCodeHistoryQueryFailed, err, "failed to insert %d candles for %s", len(candles), symbol)
	}

	s.log.Debug("inserted candles",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(tf)),
		zap.Int("count", len(candles)),
	)

	return nil
}

// Candles implements Provider. When the requested timeframe has no rows of
// its own, one-minute rows are rolled up instead.
func (s *DuckDBStore) Candles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	out, err := s.query(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}

	if len(out) > 0 || tf == types.Timeframe1m {
		return out, nil
	}

	minutes, err := s.query(ctx, symbol, types.Timeframe1m, start, end)
	if err != nil {
		return nil, err
	}

	if len(minutes) == 0 {
		return nil, errors.Newf(errors.ErrCodeDataUnavailable, "no %s or 1m history for %s in [%s, %s)", tf, symbol, start, end)
	}

	return Rollup(minutes, tf), nil
}

func (s *DuckDBStore) query(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	query, args, err := s.sq.
		Select("start_time", "end_time", "open", "high", "low", "close", "volume", "turnover").
		From("candles").
		Where(squirrel.Eq{"symbol": symbol, "timeframe": string(tf)}).
		Where(squirrel.GtOrEq{"start_time": start.UTC()}).
		Where(squirrel.Lt{"start_time": end.UTC()}).
		OrderBy("start_time ASC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeHistoryQueryFailed, "failed to build query", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeHistoryQueryFailed, err, "candle query failed for %s %s", symbol, tf)
	}
	defer rows.Close()

	var out []types.Candle

	for rows.Next() {
		candle := types.Candle{Confirmed: true}

		if err := rows.Scan(&candle.Start, &candle.End, &candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume, &candle.Turnover); err != nil {
			return nil, errors.Wrap(errors.ErrCodeHistoryQueryFailed, "failed to scan candle row", err)
		}

		out = append(out, candle)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeHistoryQueryFailed, "candle row iteration failed", err)
	}

	return out, nil
}

// EarliestStart returns the first stored bar start for a symbol and
// timeframe, if any. The downloader uses it to resume interrupted pulls.
func (s *DuckDBStore) EarliestStart(ctx context.Context, symbol string, tf types.Timeframe) (optional.Option[time.Time], error) {
	query, args, err := s.sq.
		Select("MIN(start_time)").
		From("candles").
		Where(squirrel.Eq{"symbol": symbol, "timeframe": string(tf)}).
		ToSql()
	if err != nil {
		return optional.None[time.Time](), errors.Wrap(errors.ErrCodeHistoryQueryFailed, "failed to build query", err)
	}

	var earliest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&earliest); err != nil {
		return optional.None[time.Time](), errors.Wrap(errors.ErrCodeHistoryQueryFailed, "min start query failed", err)
	}

	if !earliest.Valid {
		return optional.None[time.Time](), nil
	}

	return optional.Some(earliest.Time), nil
}

// Close releases the database handle.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}
