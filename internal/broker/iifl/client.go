// Package iifl implements the brokerage adapter over the IIFL-style OpenAPI
// wire contract: rich _ReqData envelopes for the write path, flat head/body
// envelopes for the read path, bearer-token sessions from the auth endpoint.
//
// The adapter maps transport and HTTP failures onto the shared error
// taxonomy and never retries placements on its own; the one exception is a
// single re-authentication replay after an HTTP 401.
package iifl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"copytrade/internal/crypto"
	"copytrade/internal/domain"
)

// sessionValidity is assumed when the auth response omits an explicit expiry.
const sessionValidity = 8 * time.Hour

// Order-for flags selecting the write operation.
const (
	orderForPlace  = "P"
	orderForModify = "M"
	orderForCancel = "C"
)

// Config holds the endpoint and the app-level identity every request head
// carries. Per-account credentials arrive with the session, not here.
type Config struct {
	BaseURL         string
	SubscriptionKey string
	AppName         string
	AppVersion      string
	OSName          string
	AppSource       int
	RequesterCode   string
	PublicIP        string
	Timeout         time.Duration
}

// Client is the brokerage REST adapter.
type Client struct {
	http   *resty.Client
	cfg    Config
	logger *slog.Logger
	seq    atomic.Int64 // internal order sequence forwarded in OrderID
}

// NewClient creates an adapter bound to one endpoint. The in-flight ceiling
// lives in the dispatch semaphore; the transport just keeps connections warm.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.OSName == "" {
		cfg.OSName = "WEB"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetTransport(&http.Transport{
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		})
	if cfg.SubscriptionKey != "" {
		httpClient.SetHeader("Ocp-Apim-Subscription-Key", cfg.SubscriptionKey)
	}

	c := &Client{
		http:   httpClient,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "broker")),
	}
	c.seq.Store(time.Now().Unix())
	return c
}

var (
	_ domain.Broker        = (*Client)(nil)
	_ domain.Authenticator = (*Client)(nil)
)

// head builds the envelope header from the session credential.
func (c *Client) head(requestCode string, cred domain.Credential) requestHead {
	return requestHead{
		RequestCode: requestCode,
		Key:         cred.APIKey,
		AppVer:      c.cfg.AppVersion,
		AppName:     c.cfg.AppName,
		OsName:      c.cfg.OSName,
		UserID:      cred.UserID,
		Password:    cred.Password,
	}
}

// Login authenticates one account and returns a bearer token. Credential
// failures map to ErrInvalidCredentials; broker-side unavailability maps to
// ErrAuthUnavailable so callers know a later retry may succeed.
func (c *Client) Login(ctx context.Context, cred domain.Credential) (string, time.Time, error) {
	signer := &crypto.RequestSigner{Key: cred.APIKey, Secret: cred.APISecret}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	checksum := signer.Checksum(map[string]string{
		"ClientCode": cred.ClientCode,
		"Timestamp":  ts,
		"UserId":     cred.UserID,
	})

	payload := loginRequest{
		Head: c.head(codeLogin, cred),
		Body: loginBody{ClientCode: cred.ClientCode, Timestamp: ts, Checksum: checksum},
	}

	var out loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		Post("/auth/login")
	if err != nil {
		if ctx.Err() != nil {
			return "", time.Time{}, fmt.Errorf("iifl: login: %w", ctx.Err())
		}
		return "", time.Time{}, fmt.Errorf("iifl: login: %v: %w", err, domain.ErrAuthUnavailable)
	}

	switch sc := resp.StatusCode(); {
	case sc == http.StatusUnauthorized || sc == http.StatusForbidden:
		return "", time.Time{}, fmt.Errorf("iifl: login HTTP %d: %w", sc, domain.ErrInvalidCredentials)
	case sc == http.StatusTooManyRequests || sc >= 500:
		return "", time.Time{}, fmt.Errorf("iifl: login HTTP %d: %w", sc, domain.ErrAuthUnavailable)
	case sc != http.StatusOK:
		return "", time.Time{}, fmt.Errorf("iifl: login HTTP %d: %w", sc, domain.ErrInvalidCredentials)
	}

	if out.Body.Status != 0 || out.Body.Token == "" {
		return "", time.Time{}, fmt.Errorf("iifl: login refused (code %d): %s: %w",
			out.Body.Status, out.Body.Message, domain.ErrInvalidCredentials)
	}

	expiry, ok := parseBrokerTime(out.Body.ValidTill)
	if !ok {
		expiry = time.Now().Add(sessionValidity)
	}

	c.logger.InfoContext(ctx, "broker session opened",
		slog.String("client_code", cred.ClientCode),
		slog.Time("expiry", expiry))
	return out.Body.Token, expiry, nil
}

// Place submits one order. The request carries the caller's idempotency
// token in RemoteOrderID, so a replay after an indeterminate failure cannot
// double-place. Exactly one placement attempt reaches the wire per call,
// plus at most one replay after a 401 relogin.
func (c *Client) Place(ctx context.Context, sess domain.Session, req domain.PlaceRequest) (domain.PlaceResult, error) {
	payload := placeOrderRequest{
		ReqData: placeOrderEnvelope{
			Head: c.head(codeOrderRequest, sess.Credential),
			Body: c.placeBody(sess, req, orderForPlace),
		},
		AppSource: c.cfg.AppSource,
	}

	var out placeOrderResponse
	if err := c.post(ctx, &sess, "place", "/OrderRequest", payload, &out); err != nil {
		return domain.PlaceResult{}, err
	}

	if out.Body.Status != 0 {
		return domain.PlaceResult{}, &domain.PermanentBrokerError{
			StatusCode: http.StatusOK,
			BrokerCode: out.Body.Status,
			Message:    out.Body.Message,
		}
	}

	return domain.PlaceResult{
		BrokerOrderID:   strconv.FormatInt(out.Body.BrokerOrderID, 10),
		ExchangeOrderID: out.Body.ExchOrderID,
		Status:          domain.OrderStatusSubmitted,
		Message:         out.Body.Message,
	}, nil
}

// Modify reprices or resizes a resting order.
func (c *Client) Modify(ctx context.Context, sess domain.Session, req domain.ModifyRequest) (domain.PlaceResult, error) {
	body := placeOrderBody{
		ClientCode:         sess.Credential.ClientCode,
		OrderFor:           orderForModify,
		Exchange:           req.Exchange,
		ExchangeType:       req.Segment,
		Price:              req.Price.InexactFloat64(),
		Qty:                req.Quantity,
		OrderDateTime:      brokerTime(time.Now()),
		ScripCode:          req.Code,
		AtMarket:           req.Price.IsZero(),
		RemoteOrderID:      req.BrokerOrderID,
		ExchOrderID:        req.ExchangeOrderID,
		IsStopLossOrder:    !req.TriggerPrice.IsZero(),
		StopLossPrice:      req.TriggerPrice.InexactFloat64(),
		PublicIP:           c.cfg.PublicIP,
		AHPlaced:           "N",
		ValidTillDate:      brokerTime(time.Now()),
		OrderRequesterCode: c.cfg.RequesterCode,
	}
	return c.writeOrder(ctx, sess, "modify", body)
}

// Cancel withdraws a resting order.
func (c *Client) Cancel(ctx context.Context, sess domain.Session, req domain.CancelRequest) (domain.PlaceResult, error) {
	body := placeOrderBody{
		ClientCode:         sess.Credential.ClientCode,
		OrderFor:           orderForCancel,
		Exchange:           req.Exchange,
		ExchangeType:       req.Segment,
		OrderDateTime:      brokerTime(time.Now()),
		ScripCode:          req.Code,
		RemoteOrderID:      req.BrokerOrderID,
		ExchOrderID:        req.ExchangeOrderID,
		PublicIP:           c.cfg.PublicIP,
		AHPlaced:           "N",
		ValidTillDate:      brokerTime(time.Now()),
		OrderRequesterCode: c.cfg.RequesterCode,
	}
	return c.writeOrder(ctx, sess, "cancel", body)
}

func (c *Client) writeOrder(ctx context.Context, sess domain.Session, op string, body placeOrderBody) (domain.PlaceResult, error) {
	payload := placeOrderRequest{
		ReqData: placeOrderEnvelope{
			Head: c.head(codeOrderRequest, sess.Credential),
			Body: body,
		},
		AppSource: c.cfg.AppSource,
	}

	var out placeOrderResponse
	if err := c.post(ctx, &sess, op, "/OrderRequest", payload, &out); err != nil {
		return domain.PlaceResult{}, err
	}
	if out.Body.Status != 0 {
		return domain.PlaceResult{}, &domain.PermanentBrokerError{
			StatusCode: http.StatusOK,
			BrokerCode: out.Body.Status,
			Message:    out.Body.Message,
		}
	}
	return domain.PlaceResult{
		BrokerOrderID:   strconv.FormatInt(out.Body.BrokerOrderID, 10),
		ExchangeOrderID: out.Body.ExchOrderID,
		Status:          domain.OrderStatusSubmitted,
		Message:         out.Body.Message,
	}, nil
}

// Status fetches the broker-side state of one order by its idempotency
// token. A broker that has never seen the token yields ErrNotFound, which
// tells the reconciler the placement never landed.
func (c *Client) Status(ctx context.Context, sess domain.Session, q domain.StatusQuery) (domain.StatusResult, error) {
	payload := orderStatusRequest{
		Head: c.head(codeOrderStatus, sess.Credential),
		Body: orderStatusBody{
			ClientCode: sess.Credential.ClientCode,
			OrdStatusReqList: []orderReference{{
				Exch:          q.Exchange,
				ExchType:      q.Segment,
				ScripCode:     q.Code,
				RemoteOrderID: q.Token,
			}},
		},
	}

	var out orderStatusResponse
	if err := c.post(ctx, &sess, "status", "/OrderStatus", payload, &out); err != nil {
		return domain.StatusResult{}, err
	}
	if out.Body.Status != 0 {
		return domain.StatusResult{}, &domain.PermanentBrokerError{
			StatusCode: http.StatusOK,
			BrokerCode: out.Body.Status,
			Message:    out.Body.Message,
		}
	}

	for _, item := range out.Body.OrdStatusResLst {
		if item.RemoteOrderID != q.Token {
			continue
		}
		msg := item.Reason
		if msg == "" {
			msg = item.Status
		}
		return domain.StatusResult{
			Status:          mapOrderStatus(item),
			ExchangeOrderID: item.ExchOrderID,
			FilledQuantity:  item.TradedQty,
			PendingQuantity: item.PendingQty,
			AvgPrice:        decimal.NewFromFloat(item.AvgRate),
			Message:         msg,
		}, nil
	}
	return domain.StatusResult{}, domain.ErrNotFound
}

// Trades fetches executed trades for the referenced orders.
func (c *Client) Trades(ctx context.Context, sess domain.Session, queries []domain.StatusQuery) ([]domain.BrokerTrade, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	refs := make([]orderReference, len(queries))
	for i, q := range queries {
		refs[i] = orderReference{
			Exch:          q.Exchange,
			ExchType:      q.Segment,
			ScripCode:     q.Code,
			RemoteOrderID: q.Token,
		}
	}

	payload := tradeInfoRequest{
		Head: c.head(codeTradeInfo, sess.Credential),
		Body: tradeInfoBody{
			ClientCode:           sess.Credential.ClientCode,
			TradeInformationList: refs,
		},
	}

	var out tradeInfoResponse
	if err := c.post(ctx, &sess, "trades", "/TradeInformation", payload, &out); err != nil {
		return nil, err
	}
	if out.Body.Status != 0 {
		return nil, &domain.PermanentBrokerError{
			StatusCode: http.StatusOK,
			BrokerCode: out.Body.Status,
			Message:    out.Body.Message,
		}
	}

	trades := make([]domain.BrokerTrade, 0, len(out.Body.TradeDetails))
	for _, item := range out.Body.TradeDetails {
		t := domain.BrokerTrade{
			Token:           item.RemoteOrderID,
			Exchange:        item.Exch,
			Segment:         item.ExchType,
			Code:            item.ScripCode,
			Quantity:        item.Qty,
			Rate:            decimal.NewFromFloat(item.Rate),
			ExchangeTradeID: item.ExchTradeID,
		}
		if at, ok := parseBrokerTime(item.TradeTime); ok {
			t.TradedAt = at
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// Snapshot fetches the funds picture and open positions of the session's
// account. The two account endpoints use signed query parameters instead of
// the head/body envelope.
func (c *Client) Snapshot(ctx context.Context, sess domain.Session) (domain.AccountSnapshot, error) {
	var bal balanceResponse
	if err := c.get(ctx, &sess, "balance", "/account/balance", &bal); err != nil {
		return domain.AccountSnapshot{}, err
	}
	if !bal.Success {
		return domain.AccountSnapshot{}, &domain.PermanentBrokerError{
			StatusCode: http.StatusOK,
			Message:    bal.Message,
		}
	}

	var pos positionsResponse
	if err := c.get(ctx, &sess, "positions", "/account/positions", &pos); err != nil {
		return domain.AccountSnapshot{}, err
	}
	if !pos.Success {
		return domain.AccountSnapshot{}, &domain.PermanentBrokerError{
			StatusCode: http.StatusOK,
			Message:    pos.Message,
		}
	}

	snap := domain.AccountSnapshot{
		Available: decimal.NewFromFloat(bal.Data.AvailableMargin),
		Utilized:  decimal.NewFromFloat(bal.Data.UtilizedMargin),
		Ledger:    decimal.NewFromFloat(bal.Data.LedgerBalance),
		Positions: make([]domain.Position, 0, len(pos.Data)),
		At:        time.Now(),
	}
	if bal.Data.Timestamp > 0 {
		snap.At = time.UnixMilli(bal.Data.Timestamp)
	}
	for _, item := range pos.Data {
		snap.Positions = append(snap.Positions, domain.Position{
			Account:  sess.Account,
			Symbol:   item.Symbol,
			Exchange: item.Exchange,
			Quantity: item.NetQuantity,
			AvgPrice: decimal.NewFromFloat(item.AveragePrice),
		})
	}
	return snap, nil
}

// Ping measures the round trip to the broker endpoint. Any HTTP answer
// proves the wire is up; the status code does not matter to the probe.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.http.R().SetContext(ctx).Get("/ping"); err != nil {
		return 0, c.wireErr(ctx, "ping", err)
	}
	return time.Since(start), nil
}

// post sends one JSON request under the session bearer token.
func (c *Client) post(ctx context.Context, sess *domain.Session, op, path string, payload, out any) error {
	return c.send(ctx, sess, op, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(payload).
			SetResult(out).
			Post(path)
	})
}

// get sends one signed read against the account endpoints. The query carries
// the account id, a millisecond timestamp and an HMAC signature over both,
// alongside the session bearer token.
func (c *Client) get(ctx context.Context, sess *domain.Session, op, path string, out any) error {
	signer := &crypto.RequestSigner{Key: sess.Credential.APIKey, Secret: sess.Credential.APISecret}
	return c.send(ctx, sess, op, func(token string) (*resty.Response, error) {
		params := map[string]string{
			"accountId": sess.Credential.ClientCode,
			"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
		}
		params["signature"] = signer.Checksum(params)
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetQueryParams(params).
			SetResult(out).
			Get(path)
	})
}

// send executes one call under the session token. On HTTP 401 it
// re-authenticates once and replays; every other failure maps straight onto
// the error taxonomy.
func (c *Client) send(ctx context.Context, sess *domain.Session, op string, fn func(token string) (*resty.Response, error)) error {
	resp, err := fn(sess.Token)
	if err != nil {
		return c.wireErr(ctx, op, err)
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		c.logger.WarnContext(ctx, "session rejected, re-authenticating once",
			slog.String("op", op),
			slog.String("client_code", sess.Credential.ClientCode))

		token, expiry, lerr := c.Login(ctx, sess.Credential)
		if lerr != nil {
			if errors.Is(lerr, domain.ErrAuthUnavailable) {
				return &domain.TransientBrokerError{
					StatusCode: http.StatusUnauthorized,
					Message:    "relogin unavailable: " + lerr.Error(),
				}
			}
			return &domain.PermanentBrokerError{
				StatusCode: http.StatusUnauthorized,
				Message:    "relogin failed: " + lerr.Error(),
			}
		}
		sess.Token = token
		sess.Expiry = expiry

		resp, err = fn(token)
		if err != nil {
			return c.wireErr(ctx, op, err)
		}
	}

	return httpErr(op, resp)
}

// wireErr classifies transport-level failures. A deadline hit mid-call is
// indeterminate and becomes TimeoutError; other transport faults are safe to
// retry under the idempotency token and map to TransientBrokerError.
func (c *Client) wireErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("iifl: %s: %w", op, context.Canceled)
	}
	if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return &domain.TransientBrokerError{StatusCode: 0, Message: err.Error()}
}

// httpErr maps response status codes onto the error taxonomy.
func httpErr(op string, resp *resty.Response) error {
	sc := resp.StatusCode()
	switch {
	case sc == http.StatusOK:
		return nil
	case sc == http.StatusUnauthorized:
		// Replay already happened; a second 401 is definitive.
		return &domain.PermanentBrokerError{StatusCode: sc, Message: trimBody(resp)}
	case sc == http.StatusTooManyRequests || sc >= 500:
		return &domain.TransientBrokerError{StatusCode: sc, Message: trimBody(resp)}
	case sc >= 400:
		return &domain.PermanentBrokerError{StatusCode: sc, Message: trimBody(resp)}
	default:
		return fmt.Errorf("iifl: %s: unexpected HTTP %d", op, sc)
	}
}

func trimBody(resp *resty.Response) string {
	const max = 512
	s := resp.String()
	if len(s) > max {
		return s[:max]
	}
	return s
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// placeBody builds the write-path payload for a new order.
func (c *Client) placeBody(sess domain.Session, req domain.PlaceRequest, orderFor string) placeOrderBody {
	now := time.Now()
	seq := req.Sequence
	if seq == 0 {
		seq = c.seq.Add(1)
	}

	return placeOrderBody{
		ClientCode:         sess.Credential.ClientCode,
		OrderFor:           orderFor,
		Exchange:           req.Exchange,
		ExchangeType:       req.Segment,
		Price:              req.Price.InexactFloat64(),
		OrderID:            seq,
		OrderType:          sideCode(req.Side),
		Qty:                req.Quantity,
		OrderDateTime:      brokerTime(now),
		ScripCode:          req.Code,
		AtMarket:           req.Price.IsZero(),
		RemoteOrderID:      req.Token,
		ExchOrderID:        "0",
		DisQty:             req.DisclosedQty,
		IsStopLossOrder:    !req.TriggerPrice.IsZero(),
		StopLossPrice:      req.TriggerPrice.InexactFloat64(),
		IsVTD:              false,
		IOCOrder:           req.Validity == domain.ValidityIOC,
		IsIntraday:         req.Product == domain.ProductIntraday,
		PublicIP:           c.cfg.PublicIP,
		AHPlaced:           "N",
		ValidTillDate:      brokerTime(now),
		IOrderValidity:     validityCode(req.Validity),
		OrderRequesterCode: c.cfg.RequesterCode,
		TradedQty:          0,
	}
}

func sideCode(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

func validityCode(v domain.Validity) int {
	switch v {
	case domain.ValidityGTD:
		return 1
	case domain.ValidityIOC:
		return 3
	default:
		return 0 // Day
	}
}

// mapOrderStatus converts the broker's human-readable order state into the
// internal lifecycle status.
func mapOrderStatus(item orderStatusItem) domain.OrderStatus {
	s := strings.ToLower(item.Status)
	switch {
	case strings.Contains(s, "fully executed"):
		return domain.OrderStatusFilled
	case strings.Contains(s, "partial"):
		return domain.OrderStatusPartiallyFilled
	case strings.Contains(s, "reject"):
		return domain.OrderStatusRejected
	case strings.Contains(s, "cancel"):
		return domain.OrderStatusCancelled
	case item.TradedQty > 0 && item.PendingQty > 0:
		return domain.OrderStatusPartiallyFilled
	case item.TradedQty > 0 && item.PendingQty == 0:
		return domain.OrderStatusFilled
	default:
		return domain.OrderStatusSubmitted
	}
}
