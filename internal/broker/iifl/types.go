package iifl

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Request codes carried in the envelope head. The broker routes on these.
const (
	codeOrderRequest = "IIFLMarRQOrdReq"
	codeOrderStatus  = "IIFLMarRQOrdStatus"
	codeTradeInfo    = "IIFLMarRQTrdInfo"
	codeLogin        = "IIFLMarRQLoginRequest"
)

// requestHead is the authentication header every call carries. Field order
// matches the published contract; the broker rejects reordered heads.
type requestHead struct {
	RequestCode string `json:"requestCode"`
	Key         string `json:"key"`
	AppVer      string `json:"appVer"`
	AppName     string `json:"appName"`
	OsName      string `json:"osName"`
	UserID      string `json:"userId"`
	Password    string `json:"password"`
}

// responseHead mirrors the broker's response header.
type responseHead struct {
	ResponseCode      string `json:"responseCode"`
	Status            int    `json:"status"`
	StatusDescription string `json:"statusDescription"`
}

// placeOrderBody is the order placement payload. Field names and order are
// byte-exact per the published contract.
type placeOrderBody struct {
	ClientCode         string  `json:"ClientCode"`
	OrderFor           string  `json:"OrderFor"` // "P" place, "M" modify, "C" cancel
	Exchange           string  `json:"Exchange"`
	ExchangeType       string  `json:"ExchangeType"`
	Price              float64 `json:"Price"`
	OrderID            int64   `json:"OrderID"`
	OrderType          string  `json:"OrderType"` // "BUY" / "SELL"
	Qty                int64   `json:"Qty"`
	OrderDateTime      string  `json:"OrderDateTime"`
	ScripCode          int64   `json:"ScripCode"`
	AtMarket           bool    `json:"AtMarket"`
	RemoteOrderID      string  `json:"RemoteOrderID"` // client idempotency token
	ExchOrderID        string  `json:"ExchOrderID"`   // "0" for new orders
	DisQty             int64   `json:"DisQty"`
	IsStopLossOrder    bool    `json:"IsStopLossOrder"`
	StopLossPrice      float64 `json:"StopLossPrice"`
	IsVTD              bool    `json:"IsVTD"`
	IOCOrder           bool    `json:"IOCOrder"`
	IsIntraday         bool    `json:"IsIntraday"`
	PublicIP           string  `json:"PublicIP"`
	AHPlaced           string  `json:"AHPlaced"`
	ValidTillDate      string  `json:"ValidTillDate"`
	IOrderValidity     int     `json:"iOrderValidity"`
	OrderRequesterCode string  `json:"OrderRequesterCode"`
	TradedQty          int64   `json:"TradedQty"`
}

// placeOrderRequest is the rich envelope used by the write path (place,
// modify, cancel). Read endpoints use the flat envelope instead.
type placeOrderRequest struct {
	ReqData   placeOrderEnvelope `json:"_ReqData"`
	AppSource int                `json:"AppSource"`
}

type placeOrderEnvelope struct {
	Head requestHead    `json:"head"`
	Body placeOrderBody `json:"body"`
}

type placeOrderResponse struct {
	Head responseHead           `json:"head"`
	Body placeOrderResponseBody `json:"body"`
}

type placeOrderResponseBody struct {
	Status        int    `json:"Status"` // 0 = accepted
	Message       string `json:"Message"`
	BrokerOrderID int64  `json:"BrokerOrderID"`
	ClientCode    string `json:"ClientCode"`
	Exch          string `json:"Exch"`
	ExchType      string `json:"ExchType"`
	ExchOrderID   string `json:"ExchOrderID"`
	Time          string `json:"Time"`
}

// orderStatusRequest is the flat envelope for the status read endpoint.
type orderStatusRequest struct {
	Head requestHead     `json:"head"`
	Body orderStatusBody `json:"body"`
}

type orderStatusBody struct {
	ClientCode       string           `json:"ClientCode"`
	OrdStatusReqList []orderReference `json:"OrdStatusReqList"`
}

// orderReference identifies one order by the token it was placed with.
type orderReference struct {
	Exch          string `json:"Exch"`
	ExchType      string `json:"ExchType"`
	ScripCode     int64  `json:"ScripCode"`
	RemoteOrderID string `json:"RemoteOrderID"`
}

type orderStatusResponse struct {
	Head responseHead            `json:"head"`
	Body orderStatusResponseBody `json:"body"`
}

type orderStatusResponseBody struct {
	Status          int               `json:"Status"`
	Message         string            `json:"Message"`
	OrdStatusResLst []orderStatusItem `json:"OrdStatusResLst"`
}

type orderStatusItem struct {
	Exch          string  `json:"Exch"`
	ExchType      string  `json:"ExchType"`
	ScripCode     int64   `json:"ScripCode"`
	RemoteOrderID string  `json:"RemoteOrderID"`
	ExchOrderID   string  `json:"ExchOrderID"`
	Status        string  `json:"Status"`
	OrderQty      int64   `json:"OrderQty"`
	PendingQty    int64   `json:"PendingQty"`
	TradedQty     int64   `json:"TradedQty"`
	OrderRate     float64 `json:"OrderRate"`
	AvgRate       float64 `json:"AvgRate"`
	OrderTime     string  `json:"OrderTime"`
	Reason        string  `json:"Reason"`
}

// tradeInfoRequest is the flat envelope for the trade read endpoint.
type tradeInfoRequest struct {
	Head requestHead   `json:"head"`
	Body tradeInfoBody `json:"body"`
}

type tradeInfoBody struct {
	ClientCode           string           `json:"ClientCode"`
	TradeInformationList []orderReference `json:"TradeInformationList"`
}

type tradeInfoResponse struct {
	Head responseHead          `json:"head"`
	Body tradeInfoResponseBody `json:"body"`
}

type tradeInfoResponseBody struct {
	Status       int             `json:"Status"`
	Message      string          `json:"Message"`
	TradeDetails []tradeInfoItem `json:"TradeDetails"`
}

type tradeInfoItem struct {
	Exch          string  `json:"Exch"`
	ExchType      string  `json:"ExchType"`
	ScripCode     int64   `json:"ScripCode"`
	RemoteOrderID string  `json:"RemoteOrderID"`
	ExchTradeID   string  `json:"ExchTradeID"`
	Qty           int64   `json:"Qty"`
	Rate          float64 `json:"Rate"`
	TradeTime     string  `json:"TradeTime"`
}

// balanceResponse is the funds read answer. The account endpoints predate
// the head/body contract and wrap their payload in a plain success flag.
type balanceResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    balanceData `json:"data"`
}

type balanceData struct {
	AvailableMargin float64 `json:"availableMargin"`
	UtilizedMargin  float64 `json:"utilizedMargin"`
	LedgerBalance   float64 `json:"ledgerBalance"`
	Timestamp       int64   `json:"timestamp"` // millisecond epoch
}

// positionsResponse is the open-position read answer.
type positionsResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    []positionItem `json:"data"`
}

type positionItem struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	NetQuantity  int64   `json:"netQuantity"`
	AveragePrice float64 `json:"averagePrice"`
}

// loginRequest is the flat envelope for the auth endpoint. The checksum is
// HMAC-SHA256 over the sorted request parameters, keyed by the API secret.
type loginRequest struct {
	Head requestHead `json:"head"`
	Body loginBody   `json:"body"`
}

type loginBody struct {
	ClientCode string `json:"ClientCode"`
	Timestamp  string `json:"Timestamp"`
	Checksum   string `json:"Checksum"`
}

type loginResponse struct {
	Head responseHead      `json:"head"`
	Body loginResponseBody `json:"body"`
}

type loginResponseBody struct {
	Status     int    `json:"Status"` // 0 = authenticated
	Message    string `json:"Message"`
	Token      string `json:"Token"`
	ClientCode string `json:"ClientCode"`
	ValidTill  string `json:"ValidTill"` // bracket-encoded epoch, optional
}

// brokerTime encodes a timestamp in the broker's bracket-encoded millisecond
// epoch form, e.g. "/Date(1718000000000)/".
func brokerTime(t time.Time) string {
	return fmt.Sprintf("/Date(%d)/", t.UnixMilli())
}

var brokerTimeRe = regexp.MustCompile(`/Date\((\d+)[^)]*\)/`)

// parseBrokerTime decodes the bracket-encoded epoch form. It tolerates the
// timezone suffix some responses carry ("/Date(1718000000000+0530)/").
func parseBrokerTime(s string) (time.Time, bool) {
	m := brokerTimeRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
