// Package venue connects the trading core to Binance: account snapshots
// for priming, order placement for the live engine, kline history for
// warmup and a websocket feed for the dispatcher.
package venue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/moznion/go-optional"

	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
	"go.uber.org/zap"
)

// binanceAPI is the slice of the Binance client the venue layer uses,
// abstracted so tests can script responses.
type binanceAPI interface {
	GetAccount(ctx context.Context) (*binance.Account, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]*binance.Order, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]*binance.TradeV3, error)
	CreateOrder(ctx context.Context, req types.OrderRequest, stopPrice optional.Option[float64]) (*binance.CreateOrderResponse, error)
	Klines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]*binance.Kline, error)
	Ping(ctx context.Context) error
}

type realAPI struct {
	client *binance.Client
}

func (r *realAPI) GetAccount(ctx context.Context) (*binance.Account, error) {
	return r.client.NewGetAccountService().Do(ctx)
}

func (r *realAPI) ListOpenOrders(ctx context.Context, symbol string) ([]*binance.Order, error) {
	return r.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
}

func (r *realAPI) ListTrades(ctx context.Context, symbol string, limit int) ([]*binance.TradeV3, error) {
	return r.client.NewListTradesService().Symbol(symbol).Limit(limit).Do(ctx)
}

func (r *realAPI) CreateOrder(ctx context.Context, req types.OrderRequest, stopPrice optional.Option[float64]) (*binance.CreateOrderResponse, error) {
	side := binance.SideTypeBuy
	if req.Side == types.SideSell {
		side = binance.SideTypeSell
	}

	svc := r.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(strconv.FormatFloat(req.Qty, 'f', -1, 64))

	switch {
	case stopPrice.IsSome():
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			StopPrice(strconv.FormatFloat(stopPrice.Unwrap(), 'f', -1, 64)).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64)).
			TimeInForce(binance.TimeInForceTypeGTC)
	case req.OrderType == types.OrderTypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64)).
			TimeInForce(binance.TimeInForceTypeGTC)
	default:
		svc = svc.Type(binance.OrderTypeMarket)
	}

	return svc.Do(ctx)
}

func (r *realAPI) Klines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]*binance.Kline, error) {
	return r.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(limit).
		Do(ctx)
}

func (r *realAPI) Ping(ctx context.Context) error {
	return r.client.NewPingService().Do(ctx)
}

// Client implements the core's venue collaborators over the Binance spot
// API: account.QueryClient for priming and execution.OrderClient for the
// live engine.
type Client struct {
	api         binanceAPI
	instruments []types.Instrument
	log         *logger.Logger
}

// Options configure a venue client.
type Options struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// NewClient builds a Binance-backed venue client for the configured
// instruments.
func NewClient(opts Options, instruments []types.Instrument, log *logger.Logger) *Client {
	if opts.Testnet {
		binance.UseTestnet = true
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		api:         &realAPI{client: binance.NewClient(opts.APIKey, opts.APISecret)},
		instruments: instruments,
		log:         log,
	}
}

func newClientWithAPI(api binanceAPI, instruments []types.Instrument, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{api: api, instruments: instruments, log: log}
}

const snapshotTradeLimit = 500

// Snapshot implements account.QueryClient. Wallet and spot positions come
// from account balances, pending orders from the open-order list and the
// execution ledger from recent trades per configured instrument.
func (c *Client) Snapshot(ctx context.Context) (account.Snapshot, error) {
	acct, err := c.api.GetAccount(ctx)
	if err != nil {
		return account.Snapshot{}, errors.Wrap(errors.ErrCodeVenueCallFailed, "failed to fetch account", err)
	}

	snap := account.Snapshot{}

	balances := make(map[string]float64)

	for _, bal := range acct.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)

		if free+locked == 0 {
			continue
		}

		balances[bal.Asset] = free + locked
		snap.Wallet = append(snap.Wallet, types.WalletEntry{
			Coin:      bal.Asset,
			Available: free,
			Total:     free + locked,
		})
	}

	for _, inst := range c.instruments {
		// Spot holdings of the base coin are the long position.
		if size := balances[inst.BaseCoin]; size > 0 {
			snap.Positions = append(snap.Positions, types.Position{
				Symbol: inst.Symbol,
				Side:   types.SideBuy,
				Size:   size,
			})
		}

		orders, err := c.api.ListOpenOrders(ctx, inst.Symbol)
		if err != nil {
			return account.Snapshot{}, errors.Wrapf(errors.ErrCodeVenueCallFailed, err, "failed to list open orders for %s", inst.Symbol)
		}

		for _, bo := range orders {
			order, stop := convertOrder(bo)
			if stop.IsSome() {
				snap.StopOrders = append(snap.StopOrders, stop.Unwrap())
			} else {
				snap.Orders = append(snap.Orders, order)
			}
		}

		trades, err := c.api.ListTrades(ctx, inst.Symbol, snapshotTradeLimit)
		if err != nil {
			return account.Snapshot{}, errors.Wrapf(errors.ErrCodeVenueCallFailed, err, "failed to list trades for %s", inst.Symbol)
		}

		for _, bt := range trades {
			snap.Executions = append(snap.Executions, convertTrade(inst.Symbol, bt))
		}
	}

	return snap, nil
}

// Reconnect implements both collaborator contracts with a connectivity
// probe; the REST client itself is stateless.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.api.Ping(ctx); err != nil {
		return errors.Wrap(errors.ErrCodeReconnectFailed, "venue unreachable", err)
	}

	return nil
}

// PlaceOrder implements execution.OrderClient.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	resp, err := c.api.CreateOrder(ctx, req, optional.None[float64]())
	if err != nil {
		return types.Order{}, errors.Wrap(errors.ErrCodeVenueCallFailed, "order placement failed", err)
	}

	price, _ := strconv.ParseFloat(resp.Price, 64)

	order := types.Order{
		OrderID:    strconv.FormatInt(resp.OrderID, 10),
		Symbol:     resp.Symbol,
		Side:       req.Side,
		OrderType:  req.OrderType,
		Qty:        req.Qty,
		Price:      price,
		ReduceOnly: req.ReduceOnly,
		Status:     convertStatus(resp.Status),
		CreatedAt:  time.UnixMilli(resp.TransactTime),
	}

	c.log.Debug("venue accepted order",
		zap.String("symbol", order.Symbol),
		zap.String("order_id", order.OrderID),
		zap.String("status", string(order.Status)),
	)

	return order, nil
}

// PlaceConditionalOrder implements execution.OrderClient.
func (c *Client) PlaceConditionalOrder(ctx context.Context, req types.OrderRequest, triggerPrice float64) (types.StopOrder, error) {
	resp, err := c.api.CreateOrder(ctx, req, optional.Some(triggerPrice))
	if err != nil {
		return types.StopOrder{}, errors.Wrap(errors.ErrCodeVenueCallFailed, "conditional order placement failed", err)
	}

	price, _ := strconv.ParseFloat(resp.Price, 64)

	return types.StopOrder{
		Order: types.Order{
			OrderID:   strconv.FormatInt(resp.OrderID, 10),
			Symbol:    resp.Symbol,
			Side:      req.Side,
			OrderType: req.OrderType,
			Qty:       req.Qty,
			Price:     price,
			Status:    convertStatus(resp.Status),
			CreatedAt: time.UnixMilli(resp.TransactTime),
		},
		TriggerPrice: triggerPrice,
	}, nil
}

// SetTradingStop implements execution.OrderClient. Spot has no position
// trigger endpoint, so the levels are expressed as reduce-side stop-limit
// orders at the trigger price.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, side types.Side, stopLoss, takeProfit optional.Option[float64]) error {
	inst, ok := c.instrument(symbol)
	if !ok {
		return errors.Newf(errors.ErrCodeUnknownInstrument, "no instrument configured for %s", symbol)
	}

	acct, err := c.api.GetAccount(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeVenueCallFailed, "failed to fetch account", err)
	}

	var size float64

	for _, bal := range acct.Balances {
		if bal.Asset == inst.BaseCoin {
			free, _ := strconv.ParseFloat(bal.Free, 64)
			size = free
		}
	}

	if size <= 0 {
		return errors.Newf(errors.ErrCodeInvalidOrderRequest, "no %s holdings to protect", inst.BaseCoin)
	}

	for _, level := range []optional.Option[float64]{stopLoss, takeProfit} {
		if level.IsNone() {
			continue
		}

		req := types.OrderRequest{
			Symbol:     symbol,
			Side:       side.Opposite(),
			Qty:        size,
			OrderType:  types.OrderTypeLimit,
			Price:      level.Unwrap(),
			ReduceOnly: true,
		}

		if _, err := c.api.CreateOrder(ctx, req, level); err != nil {
			return errors.Wrap(errors.ErrCodeVenueCallFailed, "failed to place trigger order", err)
		}
	}

	return nil
}

// History fetches confirmed klines for warmup, oldest first.
func (c *Client) History(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	const maxKlines = 1000

	klines, err := c.api.Klines(ctx, symbol, string(tf), start, end, maxKlines)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeVenueCallFailed, err, "failed to fetch %s klines for %s", tf, symbol)
	}

	out := make([]types.Candle, 0, len(klines))

	for _, k := range klines {
		out = append(out, convertKline(k))
	}

	return out, nil
}

func (c *Client) instrument(symbol string) (types.Instrument, bool) {
	for _, inst := range c.instruments {
		if inst.Symbol == symbol {
			return inst, true
		}
	}

	return types.Instrument{}, false
}

func convertOrder(bo *binance.Order) (types.Order, optional.Option[types.StopOrder]) {
	qty, _ := strconv.ParseFloat(bo.OrigQuantity, 64)
	price, _ := strconv.ParseFloat(bo.Price, 64)

	side := types.SideBuy
	if bo.Side == binance.SideTypeSell {
		side = types.SideSell
	}

	orderType := types.OrderTypeLimit
	if bo.Type == binance.OrderTypeMarket {
		orderType = types.OrderTypeMarket
	}

	order := types.Order{
		OrderID:   strconv.FormatInt(bo.OrderID, 10),
		Symbol:    bo.Symbol,
		Side:      side,
		OrderType: orderType,
		Qty:       qty,
		Price:     price,
		Status:    convertStatus(bo.Status),
		CreatedAt: time.UnixMilli(bo.Time),
	}

	if strings.Contains(string(bo.Type), "STOP") || strings.Contains(string(bo.Type), "TAKE_PROFIT") {
		trigger, _ := strconv.ParseFloat(bo.StopPrice, 64)

		return types.Order{}, optional.Some(types.StopOrder{Order: order, TriggerPrice: trigger})
	}

	return order, optional.None[types.StopOrder]()
}

func convertTrade(symbol string, bt *binance.TradeV3) types.Execution {
	qty, _ := strconv.ParseFloat(bt.Quantity, 64)
	price, _ := strconv.ParseFloat(bt.Price, 64)
	fee, _ := strconv.ParseFloat(bt.Commission, 64)

	side := types.SideSell
	if bt.IsBuyer {
		side = types.SideBuy
	}

	return types.Execution{
		Symbol:  symbol,
		Side:    side,
		Opened:  bt.IsBuyer,
		OrderID: strconv.FormatInt(bt.OrderID, 10),
		ExecID:  bt.ID,
		Price:   price,
		Qty:     qty,
		Fee:     fee,
		Time:    time.UnixMilli(bt.Time),
	}
}

func convertStatus(status binance.OrderStatusType) types.OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired, binance.OrderStatusTypePendingCancel:
		return types.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusNew
	}
}

func convertKline(k *binance.Kline) types.Candle {
	open, _ := strconv.ParseFloat(k.Open, 64)
	high, _ := strconv.ParseFloat(k.High, 64)
	low, _ := strconv.ParseFloat(k.Low, 64)
	closePrice, _ := strconv.ParseFloat(k.Close, 64)
	volume, _ := strconv.ParseFloat(k.Volume, 64)
	turnover, _ := strconv.ParseFloat(k.QuoteAssetVolume, 64)

	return types.Candle{
		Start:     time.UnixMilli(k.OpenTime),
		End:       time.UnixMilli(k.CloseTime + 1),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Turnover:  turnover,
		Confirmed: true,
	}
}
