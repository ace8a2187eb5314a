package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"goquant/internal/book"
	"goquant/internal/domain"
)

// APIError is a non-2xx REST answer with Binance's code and message.
type APIError struct {
	HTTPStatus int
	Code       int64
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: http %d code %d: %s", e.HTTPStatus, e.Code, e.Msg)
}

type apiErrorBody struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

type depthSnapshotResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	OrigClientOrderID   string `json:"origClientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// streamEnvelope wraps every message on a combined stream.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthUpdateMsg struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstID   int64      `json:"U"`
	FinalID   int64      `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type klineMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Symbol   string `json:"s"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

// executionReport is the user-stream order event. "c" is the client order
// id of the request that produced the event; for cancels the original
// order's id is in "C".
type executionReport struct {
	EventType         string `json:"e"`
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	Side              string `json:"S"`
	OrderType         string `json:"o"`
	OrigQty           string `json:"q"`
	Price             string `json:"p"`
	ExecType          string `json:"x"`
	Status            string `json:"X"`
	OrderID           int64  `json:"i"`
	LastQty           string `json:"l"`
	CumQty            string `json:"z"`
	LastPrice         string `json:"L"`
	CumQuoteQty       string `json:"Z"`
	OrigClientOrderID string `json:"C"`
	TradeTime         int64  `json:"T"`
}

func (r *executionReport) clientID() string {
	if r.OrigClientOrderID != "" {
		return r.OrigClientOrderID
	}
	return r.ClientOrderID
}

// mapStatus converts a Binance order status to ours. Unknown statuses
// (PENDING_CANCEL and friends) map to empty, which callers treat as
// "leave local state alone".
func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW":
		return domain.StatusSubmitted
	case "PARTIALLY_FILLED":
		return domain.StatusPartiallyFilled
	case "FILLED":
		return domain.StatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.StatusCancelled
	case "REJECTED":
		return domain.StatusRejected
	default:
		return ""
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(s)
}

// parseLevels converts Binance's [price, qty] string pairs.
func parseLevels(raw [][]string) ([]book.Level, error) {
	out := make([]book.Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("malformed depth level %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("bad level price %q: %w", pair[0], err)
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("bad level size %q: %w", pair[1], err)
		}
		out = append(out, book.Level{Price: price, Size: size})
	}
	return out, nil
}

func toPriceLevels(raw [][]string) ([]domain.PriceLevel, error) {
	levels, err := parseLevels(raw)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = domain.PriceLevel{Price: l.Price, Size: l.Size}
	}
	return out, nil
}

// toOrderState converts a REST order payload. AvgFillPrice is derived from
// the cumulative quote quantity because Binance does not report it directly.
func toOrderState(o orderResponse) (domain.OrderState, error) {
	executed, err := parseDecimal(o.ExecutedQty)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("bad executedQty %q: %w", o.ExecutedQty, err)
	}
	quote, err := parseDecimal(o.CummulativeQuoteQty)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("bad cummulativeQuoteQty %q: %w", o.CummulativeQuoteQty, err)
	}
	var avg decimal.Decimal
	if executed.IsPositive() {
		avg = quote.Div(executed)
	}
	clientID := o.ClientOrderID
	if o.OrigClientOrderID != "" {
		clientID = o.OrigClientOrderID
	}
	ms := o.UpdateTime
	if ms == 0 {
		ms = o.TransactTime
	}
	var updated time.Time
	if ms > 0 {
		updated = time.UnixMilli(ms)
	}
	return domain.OrderState{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:   clientID,
		Status:          mapStatus(o.Status),
		FilledQuantity:  executed,
		AvgFillPrice:    avg,
		UpdatedAt:       updated,
	}, nil
}
