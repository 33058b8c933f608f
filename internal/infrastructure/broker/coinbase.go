package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stoptrail/internal/domain"
)

const CoinbaseBaseURL = "https://api.exchange.coinbase.com"

// CoinbaseAdapter talks to the Coinbase Exchange REST API and normalizes
// responses into the domain value shapes. It is deliberately poll-only:
// the engine samples price on its own tick, there is no streaming state
// to keep consistent.
type CoinbaseAdapter struct {
	apiKey     string
	apiSecret  string
	passphrase string
	baseURL    string
	client     *http.Client
}

func NewCoinbaseAdapter(apiKey, apiSecret, passphrase, baseURL string) *CoinbaseAdapter {
	if baseURL == "" {
		baseURL = CoinbaseBaseURL
	}
	return &CoinbaseAdapter{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// --- signing / transport ---

func (c *CoinbaseAdapter) sign(timestamp, method, requestPath, body string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// apiError is the broker's explicit error envelope.
type apiError struct {
	Message string `json:"message"`
}

// rejectionError marks a 4xx response carrying the broker's error envelope.
// Order placement maps it to OrderRejectedError; every other call treats it
// like any other failed broker call.
type rejectionError struct {
	message string
}

func (e *rejectionError) Error() string { return e.message }

func (c *CoinbaseAdapter) sendRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature, err := c.sign(timestamp, method, path, string(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("CB-ACCESS-KEY", c.apiKey)
	req.Header.Set("CB-ACCESS-SIGN", signature)
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("CB-ACCESS-PASSPHRASE", c.passphrase)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.NetworkError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &domain.NetworkError{Op: method + " " + path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		// A 4xx with the broker's error envelope is an explicit answer,
		// not an indeterminate outcome.
		var apiErr apiError
		if err := json.Unmarshal(respBody, &apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = fmt.Sprintf("status %d: %s", resp.StatusCode, respBody)
		}
		return nil, &rejectionError{message: apiErr.Message}
	}

	return respBody, nil
}

// --- Broker implementation ---

// queryErr normalizes failures of read-only calls: an explicit 4xx answer
// and a transport failure look the same to the tick loop.
func queryErr(op string, err error) error {
	var rej *rejectionError
	if errors.As(err, &rej) {
		return &domain.NetworkError{Op: op, Err: rej}
	}
	return err
}

func (c *CoinbaseAdapter) GetPrice(ctx context.Context, symbol domain.Symbol) (float64, error) {
	path := "/products/" + symbol.ProductID() + "/ticker"
	body, err := c.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, queryErr("get price", err)
	}

	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, &domain.NetworkError{Op: "get price", Err: err}
	}
	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, &domain.NetworkError{Op: "get price", Err: fmt.Errorf("bad price %q: %w", ticker.Price, err)}
	}
	return price, nil
}

func (c *CoinbaseAdapter) GetBalance(ctx context.Context, currency string) (float64, error) {
	body, err := c.sendRequest(ctx, http.MethodGet, "/accounts", nil)
	if err != nil {
		return 0, queryErr("get balance", err)
	}

	var accounts []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(body, &accounts); err != nil {
		return 0, &domain.NetworkError{Op: "get balance", Err: err}
	}
	for _, a := range accounts {
		if a.Currency == currency {
			available, err := strconv.ParseFloat(a.Available, 64)
			if err != nil {
				return 0, &domain.NetworkError{Op: "get balance", Err: err}
			}
			return available, nil
		}
	}
	return 0, nil
}

func (c *CoinbaseAdapter) PlaceOrder(ctx context.Context, direction domain.Direction, symbol domain.Symbol, size float64, clientOrderID string) (*domain.OrderResult, error) {
	order := map[string]any{
		"type":       "market",
		"side":       string(direction),
		"product_id": symbol.ProductID(),
		"size":       strconv.FormatFloat(size, 'f', -1, 64),
		"client_oid": clientOrderID,
	}
	body, err := c.sendRequest(ctx, http.MethodPost, "/orders", order)
	if err != nil {
		var rej *rejectionError
		if errors.As(err, &rej) {
			return nil, &domain.OrderRejectedError{Reason: rej.message}
		}
		return nil, err
	}

	var placed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &placed); err != nil {
		return nil, &domain.NetworkError{Op: "place order", Err: err}
	}

	// Follow up until the order settles so callers get confirmed fill
	// numbers, never the optimistic "pending" echo. If this follow-up
	// fails the outcome is indeterminate and the caller reconciles.
	return c.awaitSettled(ctx, placed.ID)
}

func (c *CoinbaseAdapter) awaitSettled(ctx context.Context, orderID string) (*domain.OrderResult, error) {
	var last *domain.OrderResult
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return nil, &domain.NetworkError{Op: "await order", Err: ctx.Err()}
			}
		}
		res, err := c.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if res.Status != domain.OrderStatusPending {
			return res, nil
		}
		last = res
	}
	return last, nil
}

func (c *CoinbaseAdapter) GetOrder(ctx context.Context, orderID string) (*domain.OrderResult, error) {
	body, err := c.sendRequest(ctx, http.MethodGet, "/orders/"+orderID, nil)
	if err != nil {
		return nil, queryErr("get order", err)
	}

	var order struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		Settled       bool   `json:"settled"`
		FilledSize    string `json:"filled_size"`
		ExecutedValue string `json:"executed_value"`
		FillFees      string `json:"fill_fees"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, &domain.NetworkError{Op: "get order", Err: err}
	}

	res := &domain.OrderResult{
		ID:          order.ID,
		Status:      normalizeStatus(order.Status, order.Settled),
		FilledSize:  parseFloat(order.FilledSize),
		FilledValue: parseFloat(order.ExecutedValue),
		Fee:         parseFloat(order.FillFees),
	}
	return res, nil
}

func (c *CoinbaseAdapter) ListFills(ctx context.Context, symbol domain.Symbol, since time.Time) ([]domain.Fill, error) {
	path := "/fills?product_id=" + symbol.ProductID()
	body, err := c.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, queryErr("list fills", err)
	}

	var raw []struct {
		OrderID   string `json:"order_id"`
		ProductID string `json:"product_id"`
		Side      string `json:"side"`
		Size      string `json:"size"`
		Price     string `json:"price"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &domain.NetworkError{Op: "list fills", Err: err}
	}

	var fills []domain.Fill
	for _, f := range raw {
		at, err := time.Parse(time.RFC3339, f.CreatedAt)
		if err != nil || at.Before(since) {
			continue
		}
		fills = append(fills, domain.Fill{
			OrderID: f.OrderID,
			Symbol:  strings.ReplaceAll(f.ProductID, "-", "/"),
			Side:    domain.Direction(f.Side),
			Size:    parseFloat(f.Size),
			Price:   parseFloat(f.Price),
			Time:    at,
		})
	}
	return fills, nil
}

func normalizeStatus(status string, settled bool) domain.OrderStatus {
	switch status {
	case "done":
		if settled {
			return domain.OrderStatusFilled
		}
		return domain.OrderStatusPending
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusPending
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
