package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// GENERAL ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// ParseLevels converts wire [price, quantity] string pairs into price levels.
// Malformed entries fail the whole batch so the caller can drop the message.
// Zero quantities are kept; delta handling needs them as level removals.
func ParseLevels(raw [][]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for i, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level %d: want [price qty], got %d fields", i, len(pair))
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("level %d: price %q: %w", i, pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: quantity %q: %w", i, pair[1], err)
		}
		levels = append(levels, PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BITGET ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BitgetSubscribeArg identifies one channel subscription on the Bitget
// public websocket.
type BitgetSubscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

// BitgetSubscribeReq represents a Bitget websocket subscribe/unsubscribe
// request frame.
type BitgetSubscribeReq struct {
	Op   string               `json:"op"`
	Args []BitgetSubscribeArg `json:"args"`
}

// BitgetBookData carries one order book payload inside a Bitget books push.
type BitgetBookData struct {
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
	Ts       string     `json:"ts"`
	Checksum int64      `json:"checksum"`
	Seq      uint64     `json:"seq"`
}

// BitgetWSMessage represents any JSON frame from the Bitget public
// websocket. Event frames set Event (subscribe acks and errors), data frames
// set Action ("snapshot" or "update") with the book payloads.
type BitgetWSMessage struct {
	Event  string             `json:"event"`
	Code   string             `json:"code"`
	Msg    string             `json:"msg"`
	Action string             `json:"action"`
	Arg    BitgetSubscribeArg `json:"arg"`
	Data   []BitgetBookData   `json:"data"`
	Ts     int64              `json:"ts"`
}

// BitgetDepthResp represents the Bitget spot REST order book response.
type BitgetDepthResp struct {
	Code        string `json:"code"`
	Msg         string `json:"msg"`
	RequestTime int64  `json:"requestTime"`
	Data        struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		Ts   string     `json:"ts"`
	} `json:"data"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinanceDepthSnapshot represents one partial depth frame. Every frame is a
// complete top-N book with lastUpdateId as its sequence.
type BinanceDepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// BinanceStreamMsg represents a combined-stream envelope from the Binance
// websocket, e.g. stream "btcusdt@depth20@100ms".
type BinanceStreamMsg struct {
	Stream string               `json:"stream"`
	Data   BinanceDepthSnapshot `json:"data"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BYBIT /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BybitBookMsg represents an orderbook push from the Bybit public websocket.
// Type is "snapshot" or "delta"; UpdateID is dense per topic and restarts at
// 1 when Bybit resnapshots the service side.
type BybitBookMsg struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Ts    int64  `json:"ts"`
	Data  struct {
		Symbol   string     `json:"s"`
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		UpdateID int64      `json:"u"`
		Seq      int64      `json:"seq"`
	} `json:"data"`
}

// BybitOpResp represents a non-topic control frame (subscription acks, pong).
type BybitOpResp struct {
	Success bool   `json:"success"`
	Op      string `json:"op"`
	RetMsg  string `json:"ret_msg"`
}
