package types

import (
	"testing"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"
)

type OrderTestSuite struct {
	suite.Suite
}

func TestOrderSuite(t *testing.T) {
	suite.Run(t, new(OrderTestSuite))
}

func (suite *OrderTestSuite) TestSideSign() {
	suite.Equal(1.0, SideBuy.Sign())
	suite.Equal(-1.0, SideSell.Sign())
	suite.Equal(SideSell, SideBuy.Opposite())
	suite.Equal(SideBuy, SideSell.Opposite())
	suite.Equal(SideBuy, SideFromSign(0.5))
	suite.Equal(SideSell, SideFromSign(-0.5))
}

func (suite *OrderTestSuite) TestValidateMarketOrder() {
	req := OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      SideBuy,
		Qty:       1,
		OrderType: OrderTypeMarket,
		StopLoss:  optional.Some(95.0),
	}
	suite.NoError(req.Validate())
}

func (suite *OrderTestSuite) TestValidateRejects() {
	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"missing symbol", OrderRequest{Side: SideBuy, Qty: 1, OrderType: OrderTypeMarket}},
		{"zero qty", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, OrderType: OrderTypeMarket}},
		{"bad side", OrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Qty: 1, OrderType: OrderTypeMarket}},
		{"limit without price", OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Qty: 1, OrderType: OrderTypeLimit}},
	}

	for _, tc := range tests {
		suite.Run(tc.name, func() {
			suite.Error(tc.req.Validate())
		})
	}
}

func (suite *OrderTestSuite) TestPositionAverageEntryPrice() {
	pos := Position{Symbol: "BTCUSDT", Side: SideBuy, Size: 2, Value: 210}
	suite.Equal(105.0, pos.AverageEntryPrice())
	suite.True(pos.IsOpen())

	flat := Position{Symbol: "BTCUSDT", Side: SideSell}
	suite.Equal(0.0, flat.AverageEntryPrice())
	suite.False(flat.IsOpen())
}
