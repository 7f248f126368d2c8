package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
	"github.com/rrychs1/paisajes-de-poincare/pkg/utils"
)

// BinanceConfig holds credentials and connection settings for the futures
// client.
type BinanceConfig struct {
	APIKey          string
	APISecret       string
	Testnet         bool
	BaseURL         string // overrides the default REST endpoint when set
	WSURL           string // overrides the default stream endpoint when set
	RequestTimeout  time.Duration
	RateLimitPerSec int
}

// DefaultBinanceConfig returns the default client configuration.
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		Testnet:         true,
		RequestTimeout:  30 * time.Second,
		RateLimitPerSec: 10,
	}
}

// BinanceFutures is an Exchange backed by the Binance USDT-M futures API.
type BinanceFutures struct {
	logger     *zap.Logger
	apiKey     string
	apiSecret  string
	baseURL    string
	wsURL      string
	httpClient *http.Client
	gate       *Gate
	limiter    *rate.Limiter
	timeout    time.Duration

	mu      sync.RWMutex
	markets map[string]symbolPrecision // keyed by wire symbol
}

type symbolPrecision struct {
	tickSize          decimal.Decimal
	stepSize          decimal.Decimal
	pricePrecision    int32
	quantityPrecision int32
}

// NewBinanceFutures creates a futures client. Call LoadMarkets before
// placing orders so prices and quantities round to exchange precision.
func NewBinanceFutures(logger *zap.Logger, config BinanceConfig) *BinanceFutures {
	baseURL := "https://fapi.binance.com"
	wsURL := "wss://fstream.binance.com"
	if config.Testnet {
		baseURL = "https://testnet.binancefuture.com"
		wsURL = "wss://stream.binancefuture.com"
	}
	if config.BaseURL != "" {
		baseURL = config.BaseURL
	}
	if config.WSURL != "" {
		wsURL = config.WSURL
	}

	rps := config.RateLimitPerSec
	if rps <= 0 {
		rps = 10
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &BinanceFutures{
		logger:     logger.Named("binance"),
		apiKey:     config.APIKey,
		apiSecret:  config.APISecret,
		baseURL:    baseURL,
		wsURL:      wsURL,
		httpClient: &http.Client{Timeout: timeout},
		gate:       NewGate(rps),
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		timeout:    timeout,
		markets:    make(map[string]symbolPrecision),
	}
}

func (c *BinanceFutures) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs a single HTTP call. Signed requests get a timestamp
// parameter and an HMAC signature over the encoded query.
func (c *BinanceFutures) request(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if signed {
		if query != "" {
			query += "&"
		}
		query += "timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		query += "&signature=" + c.sign(query)
	}

	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Msg != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return nil, apiErr
	}
	return body, nil
}

// LoadMarkets fetches exchange metadata and caches per-symbol precision.
func (c *BinanceFutures) LoadMarkets(ctx context.Context) error {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	var info binanceExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("parse exchange info: %w", err)
	}

	markets := make(map[string]symbolPrecision, len(info.Symbols))
	for _, s := range info.Symbols {
		prec := symbolPrecision{
			pricePrecision:    s.PricePrecision,
			quantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				prec.tickSize = f.TickSize
			case "LOT_SIZE":
				prec.stepSize = f.StepSize
			}
		}
		markets[s.Symbol] = prec
	}

	c.mu.Lock()
	c.markets = markets
	c.mu.Unlock()

	c.logger.Info("Markets loaded", zap.Int("symbols", len(markets)))
	return nil
}

// PriceToPrecision rounds a price to the symbol's tick size. Prices pass
// through unchanged when markets are not loaded.
func (c *BinanceFutures) PriceToPrecision(symbol string, price decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	prec, ok := c.markets[toWireSymbol(symbol)]
	c.mu.RUnlock()
	if !ok {
		return price
	}
	if prec.tickSize.IsPositive() {
		return utils.RoundToTickSize(price, prec.tickSize)
	}
	return price.Round(prec.pricePrecision)
}

// QuantityToPrecision rounds a quantity down to the symbol's step size.
func (c *BinanceFutures) QuantityToPrecision(symbol string, qty decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	prec, ok := c.markets[toWireSymbol(symbol)]
	c.mu.RUnlock()
	if !ok {
		return qty
	}
	if prec.stepSize.IsPositive() {
		return utils.RoundToStepSize(qty, prec.stepSize)
	}
	return qty.RoundDown(prec.quantityPrecision)
}

// CreateOrder places an order and returns the exchange's view of it.
func (c *BinanceFutures) CreateOrder(ctx context.Context, req *OrderRequest) (*types.Order, error) {
	qty := c.QuantityToPrecision(req.Symbol, req.Quantity)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("quantity %s rounds to zero for %s", req.Quantity, req.Symbol)
	}

	params := url.Values{}
	params.Set("symbol", toWireSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", qty.String())

	switch req.Type {
	case types.OrderTypeLimit:
		params.Set("price", c.PriceToPrecision(req.Symbol, req.Price).String())
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	case types.OrderTypeStopMarket, types.OrderTypeTakeProfitMarket:
		params.Set("stopPrice", c.PriceToPrecision(req.Symbol, req.StopPrice).String())
	case types.OrderTypeTrailingStopMarket:
		params.Set("callbackRate", req.CallbackRate.String())
		if req.StopPrice.IsPositive() {
			params.Set("activationPrice", c.PriceToPrecision(req.Symbol, req.StopPrice).String())
		}
	}

	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	params.Set("newClientOrderId", clientID)

	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var bo binanceOrder
	if err := json.Unmarshal(body, &bo); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}

	order := convertOrder(&bo)
	c.logger.Debug("Order placed",
		zap.String("symbol", order.Symbol),
		zap.String("id", order.ID),
		zap.String("type", string(order.Type)),
		zap.String("side", string(order.Side)))
	return order, nil
}

// CancelOrder cancels a single open order.
func (c *BinanceFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", toWireSymbol(symbol))
	params.Set("orderId", orderID)

	if _, err := c.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// FetchOpenOrders returns all open orders for a symbol.
func (c *BinanceFutures) FetchOpenOrders(ctx context.Context, symbol string) ([]*types.Order, error) {
	params := url.Values{}
	params.Set("symbol", toWireSymbol(symbol))

	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	var raw []binanceOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse open orders: %w", err)
	}

	orders := make([]*types.Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, convertOrder(&raw[i]))
	}
	return orders, nil
}

// FetchPositions returns position rows for a symbol, including flat ones.
func (c *BinanceFutures) FetchPositions(ctx context.Context, symbol string) ([]*types.Position, error) {
	params := url.Values{}
	params.Set("symbol", toWireSymbol(symbol))

	body, err := c.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	var raw []binancePosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	positions := make([]*types.Position, 0, len(raw))
	for _, p := range raw {
		side := types.PositionSideLong
		if p.PositionAmt.IsNegative() {
			side = types.PositionSideShort
		}
		positions = append(positions, &types.Position{
			Symbol:        utils.FormatSymbol(p.Symbol),
			Side:          side,
			Quantity:      p.PositionAmt.Abs(),
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnrealizedProfit,
			Leverage:      int(p.Leverage.IntPart()),
			OpenedAt:      time.UnixMilli(p.UpdateTime).UTC(),
		})
	}
	return positions, nil
}

// FetchBalance returns futures wallet balances keyed by asset.
func (c *BinanceFutures) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	var raw []binanceBalance
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}

	balances := make(map[string]types.Balance, len(raw))
	for _, b := range raw {
		balances[b.Asset] = types.Balance{
			Asset:     b.Asset,
			Total:     b.Balance,
			Available: b.AvailableBalance,
		}
	}
	return balances, nil
}

// FetchMyTrades returns account trades for a symbol, oldest first.
func (c *BinanceFutures) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]*types.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	params := url.Values{}
	params.Set("symbol", toWireSymbol(symbol))
	params.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/userTrades", params, true)
	if err != nil {
		return nil, fmt.Errorf("fetch my trades: %w", err)
	}

	var raw []binanceTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse my trades: %w", err)
	}

	trades := make([]*types.Trade, 0, len(raw))
	for _, t := range raw {
		trades = append(trades, &types.Trade{
			ID:          strconv.FormatInt(t.ID, 10),
			OrderID:     strconv.FormatInt(t.OrderID, 10),
			Symbol:      utils.FormatSymbol(t.Symbol),
			Side:        types.OrderSide(strings.ToLower(t.Side)),
			Price:       t.Price,
			Quantity:    t.Qty,
			RealizedPnL: t.RealizedPnl,
			Commission:  t.Commission,
			Timestamp:   time.UnixMilli(t.Time).UTC(),
		})
	}
	return trades, nil
}

// FetchCandles returns klines for a symbol, oldest first.
func (c *BinanceFutures) FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 1500 {
		limit = 1500
	}

	params := url.Values{}
	params.Set("symbol", toWireSymbol(symbol))
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, fmt.Errorf("fetch candles: %w", err)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var openMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			return nil, fmt.Errorf("parse kline open time: %w", err)
		}
		candle := types.Candle{OpenTime: time.UnixMilli(openMs).UTC()}
		for i, dst := range []*decimal.Decimal{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume} {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				return nil, fmt.Errorf("parse kline field %d: %w", i+1, err)
			}
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", toWireSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))

	if _, err := c.request(ctx, http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}

// SetMarginType sets the margin mode for a symbol. The exchange rejects
// no-op changes with a dedicated code, which is treated as success.
func (c *BinanceFutures) SetMarginType(ctx context.Context, symbol string, marginType types.MarginType) error {
	params := url.Values{}
	params.Set("symbol", toWireSymbol(symbol))
	params.Set("marginType", strings.ToUpper(string(marginType)))

	_, err := c.request(ctx, http.MethodPost, "/fapi/v1/marginType", params, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeNoNeedToChange {
			return nil
		}
		return fmt.Errorf("set margin type: %w", err)
	}
	return nil
}

func toWireSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func convertOrder(bo *binanceOrder) *types.Order {
	createdMs := bo.Time
	if createdMs == 0 {
		createdMs = bo.UpdateTime
	}
	return &types.Order{
		ID:            strconv.FormatInt(bo.OrderID, 10),
		ClientOrderID: bo.ClientOrderID,
		Symbol:        utils.FormatSymbol(bo.Symbol),
		Side:          types.OrderSide(strings.ToLower(bo.Side)),
		Type:          convertOrderType(bo.Type),
		Status:        convertOrderStatus(bo.Status),
		Price:         bo.Price,
		StopPrice:     bo.StopPrice,
		Quantity:      bo.OrigQty,
		FilledQty:     bo.ExecutedQty,
		ReduceOnly:    bo.ReduceOnly,
		TimeInForce:   bo.TimeInForce,
		CreatedAt:     time.UnixMilli(createdMs).UTC(),
		UpdatedAt:     time.UnixMilli(bo.UpdateTime).UTC(),
	}
}

func convertOrderType(s string) types.OrderType {
	switch s {
	case "STOP":
		return types.OrderTypeStopMarket
	case "TAKE_PROFIT":
		return types.OrderTypeTakeProfitMarket
	default:
		return types.OrderType(strings.ToLower(s))
	}
}

func convertOrderStatus(s string) types.OrderStatus {
	switch s {
	case "NEW":
		return types.OrderStatusNew
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartiallyFilled
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED":
		return types.OrderStatusCanceled
	case "REJECTED":
		return types.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return types.OrderStatusExpired
	default:
		return types.OrderStatus(strings.ToLower(s))
	}
}

type binanceOrder struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Type          string          `json:"type"`
	Side          string          `json:"side"`
	ReduceOnly    bool            `json:"reduceOnly"`
	TimeInForce   string          `json:"timeInForce"`
	Time          int64           `json:"time"`
	UpdateTime    int64           `json:"updateTime"`
}

type binancePosition struct {
	Symbol           string          `json:"symbol"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnrealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	Leverage         decimal.Decimal `json:"leverage"`
	UpdateTime       int64           `json:"updateTime"`
}

type binanceBalance struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

type binanceTrade struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"orderId"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	RealizedPnl decimal.Decimal `json:"realizedPnl"`
	Commission  decimal.Decimal `json:"commission"`
	Time        int64           `json:"time"`
}

type binanceExchangeInfo struct {
	Symbols []binanceSymbolInfo `json:"symbols"`
}

type binanceSymbolInfo struct {
	Symbol            string          `json:"symbol"`
	Status            string          `json:"status"`
	PricePrecision    int32           `json:"pricePrecision"`
	QuantityPrecision int32           `json:"quantityPrecision"`
	Filters           []binanceFilter `json:"filters"`
}

type binanceFilter struct {
	FilterType string          `json:"filterType"`
	TickSize   decimal.Decimal `json:"tickSize"`
	StepSize   decimal.Decimal `json:"stepSize"`
}
