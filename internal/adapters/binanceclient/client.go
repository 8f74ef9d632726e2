// Package binanceclient implements ports.BrokerGateway against Binance
// futures using the go-binance library. All venue and transport errors are
// translated into the ports sentinel taxonomy here, at the boundary;
// substring matching on error text exists only in this package, as a
// fallback for untyped transport errors.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"orderpilot/internal/domain"
	"orderpilot/internal/ports"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.BrokerGateway interface.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// Config holds configuration specific to the Binance adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// New creates a new Binance broker adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL})

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

// handleError translates Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1007: // Timeout waiting for backend response
			mappedErr = ports.ErrTimeout
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1121: // Invalid symbol
			mappedErr = ports.ErrInvalidSymbol
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010, -4003, -4014, -4015: // Order rejected / parameter out of range
			mappedErr = ports.ErrInvalidRequest
		case -2011: // Cancel rejected, order usually already gone
			mappedErr = ports.ErrOrderNotFound
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API key format / permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2019, -3005, -3041, -4047: // Margin or balance insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			mappedErr = classifyByText(apiErr.Message)
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Non-API errors: context cancellation, transport failures, parsing.
	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, classifyByText(err.Error()), err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// classifyByText is the substring fallback for errors that carry no typed
// code. Non-retryable patterns are checked before retryable ones; anything
// unmatched maps to ErrUnknown, which the retry coordinator treats as
// retryable.
func classifyByText(msg string) error {
	text := strings.ToLower(msg)

	permanent := []struct {
		pattern  string
		sentinel error
	}{
		{"insufficient", ports.ErrInsufficientFunds},
		{"buying power", ports.ErrInsufficientFunds},
		{"invalid symbol", ports.ErrInvalidSymbol},
		{"unknown symbol", ports.ErrInvalidSymbol},
		{"market closed", ports.ErrMarketClosed},
		{"market is closed", ports.ErrMarketClosed},
		{"unauthorized", ports.ErrAuthenticationFailed},
		{"forbidden", ports.ErrPermissionDenied},
		{"invalid request", ports.ErrInvalidRequest},
		{"suspended", ports.ErrAccountSuspended},
		{"order does not exist", ports.ErrOrderNotFound},
		{"order not found", ports.ErrOrderNotFound},
		{"position not found", ports.ErrPositionNotFound},
	}
	for _, p := range permanent {
		if strings.Contains(text, p.pattern) {
			return p.sentinel
		}
	}

	transient := []struct {
		pattern  string
		sentinel error
	}{
		{"rate limit", ports.ErrRateLimited},
		{"too many requests", ports.ErrRateLimited},
		{"timeout", ports.ErrTimeout},
		{"timed out", ports.ErrTimeout},
		{"connection", ports.ErrConnectionFailed},
		{"network", ports.ErrConnectionFailed},
		{"temporary", ports.ErrExchangeUnavailable},
		{"unavailable", ports.ErrExchangeUnavailable},
		{"internal server error", ports.ErrExchangeUnavailable},
		{"500", ports.ErrExchangeUnavailable},
		{"502", ports.ErrExchangeUnavailable},
		{"503", ports.ErrExchangeUnavailable},
		{"504", ports.ErrExchangeUnavailable},
	}
	for _, p := range transient {
		if strings.Contains(text, p.pattern) {
			return p.sentinel
		}
	}

	return ports.ErrUnknown
}

// PlaceMarketOrder submits a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, qty int64, side domain.OrderSide, tif ports.TimeInForce) (*ports.Order, error) {
	op := "PlaceMarketOrder"
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatQuantity(qty)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrder(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"quantity": qty,
		"orderID":  resp.ID,
		"avgPrice": resp.FilledAvgPrice,
	})
	return resp, nil
}

// PlaceLimitOrder submits a limit order at the given price.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, qty int64, side domain.OrderSide, price float64, tif ports.TimeInForce) (*ports.Order, error) {
	op := "PlaceLimitOrder"
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		Quantity(formatQuantity(qty)).
		Price(formatPrice(price)).
		TimeInForce(translateTIF(tif)).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrder(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"quantity": qty,
		"price":    price,
		"orderID":  resp.ID,
	})
	return resp, nil
}

// CancelOrder cancels an open order by its ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid order id %q: %w", op, orderID, ports.ErrInvalidRequest)
	}

	_, err = c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// GetOrder fetches the current status and fill progress of an order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*ports.Order, error) {
	op := "GetOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid order id %q: %w", op, orderID, ports.ErrInvalidRequest)
	}

	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	filledQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	limitPrice, _ := strconv.ParseFloat(order.Price, 64)

	return &ports.Order{
		ID:             strconv.FormatInt(order.OrderID, 10),
		Symbol:         order.Symbol,
		Side:           domain.OrderSide(order.Side),
		Status:         translateStatus(order.Status),
		Quantity:       int64(origQty),
		FilledQty:      int64(filledQty),
		FilledAvgPrice: avgPrice,
		LimitPrice:     limitPrice,
		SubmittedAt:    time.UnixMilli(order.Time),
	}, nil
}

// GetLatestQuote fetches the current best bid/ask via the book ticker.
func (c *Client) GetLatestQuote(ctx context.Context, symbol string) (*ports.Quote, error) {
	op := "GetLatestQuote"
	tickers, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("no book ticker returned for symbol %s", symbol), op)
	}

	bid, err := strconv.ParseFloat(tickers[0].BidPrice, 64)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse bid price '%s': %w", tickers[0].BidPrice, err), op)
	}
	ask, err := strconv.ParseFloat(tickers[0].AskPrice, 64)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse ask price '%s': %w", tickers[0].AskPrice, err), op)
	}
	return &ports.Quote{Bid: bid, Ask: ask}, nil
}

// StreamTicks starts a reconnecting mark-price stream for each symbol and
// delivers prices through the handler. Closing stopCh or cancelling ctx
// shuts all streams down; doneCh closes once shutdown completes.
func (c *Client) StreamTicks(ctx context.Context, symbols []string, handler ports.TickHandler, errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamTicks"
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("%s: at least one symbol is required", op)
	}

	wsCtx, cancelWs := context.WithCancel(ctx)

	for _, symbol := range symbols {
		go c.streamSymbol(wsCtx, symbol, handler, errHandler)
	}

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": received external stop signal", nil)
			cancelWs()
		case <-wsCtx.Done():
		}
	}()
	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}

// streamSymbol maintains one mark-price WebSocket for a symbol, reconnecting
// with exponential backoff until ctx is cancelled or attempts run out.
func (c *Client) streamSymbol(ctx context.Context, symbol string, handler ports.TickHandler, errHandler func(error)) {
	op := "StreamTicks"
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wsHandler := func(event *futures.WsMarkPriceEvent) {
			price, err := strconv.ParseFloat(event.MarkPrice, 64)
			if err != nil {
				c.logger.Error(ctx, err, op+": failed to parse mark price", map[string]interface{}{"symbol": symbol, "raw": event.MarkPrice})
				return
			}
			handler(symbol, price)
		}
		wsErrHandler := func(err error) {
			errHandler(c.handleError(ctx, err, op+" WebSocket"))
		}

		innerDoneCh, innerStopCh, connectErr := futures.WsMarkPriceServe(symbol, wsHandler, wsErrHandler)
		if connectErr != nil {
			c.handleError(ctx, connectErr, op+" connection attempt")
			attempt++
			if attempt >= c.maxReconnectAttempts {
				c.logger.Error(ctx, connectErr, op+": max reconnection attempts exceeded, giving up", map[string]interface{}{
					"symbol":      symbol,
					"maxAttempts": c.maxReconnectAttempts,
				})
				errHandler(fmt.Errorf("%s %s: %w: max reconnect attempts exceeded", op, symbol, ports.ErrConnectionFailed))
				return
			}
			delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Warn(ctx, op+": connection failed, retrying", map[string]interface{}{
				"symbol":  symbol,
				"attempt": attempt,
				"delay":   delay.String(),
			})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		c.logger.Info(ctx, op+": stream established", map[string]interface{}{"symbol": symbol})
		attempt = 0

		select {
		case <-innerDoneCh:
			c.logger.Warn(ctx, op+": stream closed unexpectedly, reconnecting", map[string]interface{}{"symbol": symbol})
		case <-ctx.Done():
			select {
			case innerStopCh <- struct{}{}:
			default:
			}
			return
		}
	}
}

// --- Translation helpers ---

func translateOrder(order *futures.CreateOrderResponse) *ports.Order {
	if order == nil {
		return nil
	}
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	limitPrice, _ := strconv.ParseFloat(order.Price, 64)

	return &ports.Order{
		ID:             strconv.FormatInt(order.OrderID, 10),
		Symbol:         order.Symbol,
		Side:           domain.OrderSide(order.Side),
		Status:         translateStatus(order.Status),
		Quantity:       int64(origQty),
		FilledQty:      int64(execQty),
		FilledAvgPrice: avgPrice,
		LimitPrice:     limitPrice,
		SubmittedAt:    time.UnixMilli(order.UpdateTime),
	}
}

func translateStatus(status futures.OrderStatusType) ports.OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew:
		return ports.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return ports.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return ports.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return ports.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return ports.OrderStatusRejected
	case futures.OrderStatusTypeExpired:
		return ports.OrderStatusExpired
	default:
		return ports.OrderStatusNew
	}
}

func translateTIF(tif ports.TimeInForce) futures.TimeInForceType {
	switch tif {
	case ports.TIFIOC:
		return futures.TimeInForceTypeIOC
	case ports.TIFGTC, ports.TIFDay:
		return futures.TimeInForceTypeGTC
	default:
		return futures.TimeInForceTypeGTC
	}
}

func formatQuantity(qty int64) string {
	return strconv.FormatInt(qty, 10)
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}
