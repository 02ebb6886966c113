package coinbase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"streamstate/internal/exchange"
	"streamstate/internal/types"
)

var errMissing = errors.New("missing")

// Decode converts a raw feed payload into a canonical event.
// Unknown message types decode to exchange.Unrecognized. Identity fields
// (order ids, product id, sequence, order times) that are missing or
// unparsable fail the whole event with an exchange.MalformedEventError;
// other numeric fields fall back to zero.
func Decode(raw []byte) (exchange.Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &exchange.MalformedEventError{Type: "unknown", Field: "payload", Err: err}
	}

	switch exchange.Type(msg.Type) {
	case exchange.TypeTicker:
		return decodeTicker(&msg)
	case exchange.TypeSnapshot:
		return decodeSnapshot(&msg)
	case exchange.TypeL2Update:
		return decodeL2Update(&msg)
	case exchange.TypeReceived:
		return decodeReceived(&msg)
	case exchange.TypeOpen:
		return decodeOpen(&msg)
	case exchange.TypeActivate:
		return decodeActivated(&msg)
	case exchange.TypeMatch:
		return decodeMatched(&msg)
	case exchange.TypeDone:
		return decodeDone(&msg)
	case exchange.TypeChange:
		return decodeChanged(&msg)
	case exchange.TypeHeartbeat:
		return decodeHeartbeat(&msg)
	case exchange.TypeSubscriptions:
		return decodeSubscriptions(&msg), nil
	case exchange.TypeError:
		return exchange.ErrorMsg{Message: msg.Message, Reason: msg.Reason}, nil
	case "":
		return nil, malformed(&msg, "type", errMissing)
	default:
		return exchange.Unrecognized{RawType: msg.Type}, nil
	}
}

func malformed(msg *wireMessage, name string, err error) error {
	t := msg.Type
	if t == "" {
		t = "unknown"
	}
	return &exchange.MalformedEventError{Type: t, Field: name, Err: err}
}

func requireProduct(msg *wireMessage) error {
	if msg.ProductID == "" {
		return malformed(msg, "product_id", errMissing)
	}
	return nil
}

// sequence is optional but must be an integer when present
func sequence(msg *wireMessage) (int64, error) {
	if !msg.Sequence.present() {
		return 0, nil
	}
	seq, err := msg.Sequence.int64()
	if err != nil {
		return 0, malformed(msg, "sequence", err)
	}
	return seq, nil
}

func lenientTime(f field) time.Time {
	t, err := time.Parse(time.RFC3339Nano, string(f))
	if err != nil {
		return time.Time{}
	}
	return t
}

func lenientInt(f field) int64 {
	n, err := f.int64()
	if err != nil {
		return 0
	}
	return n
}

func decodeTicker(msg *wireMessage) (exchange.Event, error) {
	if err := requireProduct(msg); err != nil {
		return nil, err
	}
	seq, err := sequence(msg)
	if err != nil {
		return nil, err
	}
	return exchange.Ticker{
		ProductID: msg.ProductID,
		Sequence:  seq,
		TradeID:   lenientInt(msg.TradeID),
		Side:      exchange.OrderSide(msg.Side),
		Time:      lenientTime(msg.Time),
		Price:     msg.Price.decimal(),
		LastSize:  msg.LastSize.decimal(),
		BestBid:   msg.BestBid.decimal(),
		BestAsk:   msg.BestAsk.decimal(),
		Open24h:   msg.Open24h.decimal(),
		High24h:   msg.High24h.decimal(),
		Low24h:    msg.Low24h.decimal(),
		Volume24h: msg.Volume24h.decimal(),
		Volume30d: msg.Volume30d.decimal(),
	}, nil
}

func decodeLevels(msg *wireMessage, name string, rows [][]field) ([]exchange.Level, error) {
	levels := make([]exchange.Level, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, malformed(msg, fmt.Sprintf("%s[%d]", name, i), errMissing)
		}
		price, err := row[0].strictDecimal()
		if err != nil {
			return nil, malformed(msg, fmt.Sprintf("%s[%d].price", name, i), err)
		}
		levels = append(levels, exchange.Level{Price: price, Size: row[1].decimal()})
	}
	return levels, nil
}

func decodeSnapshot(msg *wireMessage) (exchange.Event, error) {
	if err := requireProduct(msg); err != nil {
		return nil, err
	}
	bids, err := decodeLevels(msg, "bids", msg.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := decodeLevels(msg, "asks", msg.Asks)
	if err != nil {
		return nil, err
	}
	return exchange.Snapshot{ProductID: msg.ProductID, Bids: bids, Asks: asks}, nil
}

func decodeL2Update(msg *wireMessage) (exchange.Event, error) {
	if err := requireProduct(msg); err != nil {
		return nil, err
	}
	changes := make([]exchange.Change, 0, len(msg.Changes))
	for i, row := range msg.Changes {
		if len(row) < 3 {
			return nil, malformed(msg, fmt.Sprintf("changes[%d]", i), errMissing)
		}
		side, ok := types.SideFromOrder(string(row[0]))
		if !ok {
			return nil, malformed(msg, fmt.Sprintf("changes[%d].side", i), fmt.Errorf("unknown side %q", row[0]))
		}
		price, err := row[1].strictDecimal()
		if err != nil {
			return nil, malformed(msg, fmt.Sprintf("changes[%d].price", i), err)
		}
		changes = append(changes, exchange.Change{Side: side, Price: price, Size: row[2].decimal()})
	}
	return exchange.L2Update{
		ProductID: msg.ProductID,
		Time:      lenientTime(msg.Time),
		Changes:   changes,
	}, nil
}

// orderHeader validates the fields every user-channel message must carry.
// The event time orders mutations of a ledger entry, so it is treated as
// an identity field.
func orderHeader(msg *wireMessage, needOrderID, needSide bool) (exchange.OrderHeader, error) {
	var h exchange.OrderHeader
	if err := requireProduct(msg); err != nil {
		return h, err
	}
	if needOrderID && msg.OrderID == "" {
		return h, malformed(msg, "order_id", errMissing)
	}
	seq, err := sequence(msg)
	if err != nil {
		return h, err
	}
	if !msg.Time.present() {
		return h, malformed(msg, "time", errMissing)
	}
	ts, err := time.Parse(time.RFC3339Nano, string(msg.Time))
	if err != nil {
		return h, malformed(msg, "time", err)
	}
	side := exchange.OrderSide(msg.Side)
	switch side {
	case exchange.Buy, exchange.Sell:
	case "":
		if needSide {
			return h, malformed(msg, "side", errMissing)
		}
	default:
		return h, malformed(msg, "side", fmt.Errorf("unknown side %q", msg.Side))
	}
	return exchange.OrderHeader{
		OrderID:   msg.OrderID,
		ProductID: msg.ProductID,
		Sequence:  seq,
		Time:      ts,
		Side:      side,
		UserID:    msg.UserID,
		ProfileID: msg.ProfileID,
	}, nil
}

func decodeReceived(msg *wireMessage) (exchange.Event, error) {
	h, err := orderHeader(msg, true, true)
	if err != nil {
		return nil, err
	}
	orderType := exchange.OrderType(msg.OrderType)
	if orderType == "" {
		orderType = exchange.OrderTypeLimit
	}
	return exchange.Received{
		OrderHeader: h,
		OrderType:   orderType,
		Price:       msg.Price.decimal(),
		Size:        msg.Size.decimal(),
		Funds:       msg.Funds.decimal(),
	}, nil
}

func decodeOpen(msg *wireMessage) (exchange.Event, error) {
	h, err := orderHeader(msg, true, false)
	if err != nil {
		return nil, err
	}
	return exchange.Open{
		OrderHeader:   h,
		Price:         msg.Price.decimal(),
		RemainingSize: msg.RemainingSize.decimal(),
	}, nil
}

func decodeActivated(msg *wireMessage) (exchange.Event, error) {
	h, err := orderHeader(msg, true, true)
	if err != nil {
		return nil, err
	}
	return exchange.Activated{
		OrderHeader:  h,
		StopType:     msg.StopType,
		StopPrice:    msg.StopPrice.decimal(),
		LimitPrice:   msg.LimitPrice.decimal(),
		Size:         msg.Size.decimal(),
		Funds:        msg.Funds.decimal(),
		TakerFeeRate: msg.TakerFeeRate.decimal(),
	}, nil
}

func decodeMatched(msg *wireMessage) (exchange.Event, error) {
	h, err := orderHeader(msg, false, true)
	if err != nil {
		return nil, err
	}
	if msg.MakerOrderID == "" {
		return nil, malformed(msg, "maker_order_id", errMissing)
	}
	if msg.TakerOrderID == "" {
		return nil, malformed(msg, "taker_order_id", errMissing)
	}
	return exchange.Matched{
		ProductID:      h.ProductID,
		Sequence:       h.Sequence,
		Time:           h.Time,
		TradeID:        lenientInt(msg.TradeID),
		Side:           h.Side,
		MakerOrderID:   msg.MakerOrderID,
		TakerOrderID:   msg.TakerOrderID,
		MakerUserID:    msg.MakerUserID,
		TakerUserID:    msg.TakerUserID,
		MakerProfileID: msg.MakerProfileID,
		TakerProfileID: msg.TakerProfileID,
		Price:          msg.Price.decimal(),
		Size:           msg.Size.decimal(),
		TakerFeeRate:   msg.TakerFeeRate.decimal(),
	}, nil
}

func decodeDone(msg *wireMessage) (exchange.Event, error) {
	h, err := orderHeader(msg, true, false)
	if err != nil {
		return nil, err
	}
	reason := exchange.DoneReason(msg.Reason)
	if reason != exchange.ReasonFilled && reason != exchange.ReasonCanceled {
		return nil, malformed(msg, "reason", fmt.Errorf("unknown reason %q", msg.Reason))
	}
	return exchange.Done{
		OrderHeader:   h,
		Reason:        reason,
		Price:         msg.Price.decimal(),
		RemainingSize: msg.RemainingSize.decimal(),
	}, nil
}

func decodeChanged(msg *wireMessage) (exchange.Event, error) {
	h, err := orderHeader(msg, true, false)
	if err != nil {
		return nil, err
	}
	ch := exchange.Changed{
		OrderHeader: h,
		Price:       msg.Price.decimal(),
		OldSize:     msg.OldSize.decimal(),
		OldFunds:    msg.OldFunds.decimal(),
	}
	// the new size or funds replaces the order's own, so it must parse
	switch {
	case msg.NewSize.present():
		size, err := msg.NewSize.strictDecimal()
		if err != nil {
			return nil, malformed(msg, "new_size", err)
		}
		ch.NewSize, ch.HasSize = size, true
	case msg.NewFunds.present():
		funds, err := msg.NewFunds.strictDecimal()
		if err != nil {
			return nil, malformed(msg, "new_funds", err)
		}
		ch.NewFunds = funds
	default:
		return nil, malformed(msg, "new_size", errMissing)
	}
	return ch, nil
}

func decodeHeartbeat(msg *wireMessage) (exchange.Event, error) {
	seq, err := sequence(msg)
	if err != nil {
		return nil, err
	}
	return exchange.Heartbeat{
		ProductID:   msg.ProductID,
		Sequence:    seq,
		LastTradeID: lenientInt(msg.LastTradeID),
		Time:        lenientTime(msg.Time),
	}, nil
}

func decodeSubscriptions(msg *wireMessage) exchange.Event {
	channels := make([]exchange.Channel, 0, len(msg.Channels))
	for _, c := range msg.Channels {
		channels = append(channels, exchange.Channel{Name: c.Name, ProductIDs: c.ProductIDs})
	}
	return exchange.SubscriptionAck{Channels: channels}
}
