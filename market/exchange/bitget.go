package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market/types"
)

const (
	bitgetRestHost = "https://api.bitget.com"
	bitgetWSHost   = "ws.bitget.com"
	bitgetWSPath   = "/v2/ws/public"

	bitgetPingDuration = 30 * time.Second
)

var _ Adapter = (*BitgetAdapter)(nil)

// bitget candle channel suffixes; hours and days are uppercase.
var bitgetChannels = map[types.Interval]string{
	types.Interval1m:  "1m",
	types.Interval5m:  "5m",
	types.Interval15m: "15m",
	types.Interval30m: "30m",
	types.Interval1h:  "1H",
	types.Interval4h:  "4H",
	types.Interval1d:  "1D",
}

// bitget v2 spot REST granularity codes differ from the mix (futures) ones.
var bitgetSpotGranularity = map[types.Interval]string{
	types.Interval1m:  "1min",
	types.Interval5m:  "5min",
	types.Interval15m: "15min",
	types.Interval30m: "30min",
	types.Interval1h:  "1h",
	types.Interval4h:  "4h",
	types.Interval1d:  "1day",
}

type (
	// BitgetAdapter speaks the Bitget v2 public API; futures map to the
	// USDT-FUTURES product type. Bitget candle pushes carry no bar-closed
	// flag, so the adapter synthesizes one from bar rotation.
	//
	// REF: https://www.bitget.com/api-doc/common/websocket-intro
	BitgetAdapter struct {
		baseAdapter

		restHost string
	}

	// BitgetResponse is the common REST envelope; code "00000" is success.
	BitgetResponse struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}

	// BitgetTicker is one entry of the spot and mix ticker endpoints; the
	// change24h field is a fraction, not a percentage.
	BitgetTicker struct {
		Symbol      string `json:"symbol"`
		LastPr      string `json:"lastPr"`
		High24h     string `json:"high24h"`
		Low24h      string `json:"low24h"`
		Change24h   string `json:"change24h"`
		QuoteVolume string `json:"quoteVolume"`
		Ts          string `json:"ts"`
	}

	// BitgetWSArg addresses one channel subscription.
	BitgetWSArg struct {
		InstType string `json:"instType"` // USDT-FUTURES / SPOT
		Channel  string `json:"channel"`  // ex.: candle1m
		InstID   string `json:"instId"`   // ex.: BTCUSDT
	}

	// BitgetWSOp frames subscribe/unsubscribe operations.
	BitgetWSOp struct {
		Op   string        `json:"op"`
		Args []BitgetWSArg `json:"args"`
	}

	// BitgetWSMsg is the common websocket envelope for acks and pushes.
	BitgetWSMsg struct {
		Event  string          `json:"event,omitempty"`
		Action string          `json:"action,omitempty"` // snapshot / update
		Arg    BitgetWSArg     `json:"arg"`
		Data   json.RawMessage `json:"data,omitempty"`
		Msg    string          `json:"msg,omitempty"`
	}
)

// NewBitgetAdapter creates a Bitget adapter wired to sink.
func NewBitgetAdapter(
	ctx context.Context,
	logger zerolog.Logger,
	sink CandleSink,
	endpoints map[types.MarketType]Endpoint,
) *BitgetAdapter {
	p := &BitgetAdapter{
		baseAdapter: newBaseAdapter(types.ExchangeBitget, logger, sink),
		restHost:    bitgetRestHost,
	}

	wsHosts := map[types.MarketType]string{
		types.MarketFutures: bitgetWSHost,
		types.MarketSpot:    bitgetWSHost,
	}
	for market, endpoint := range endpoints {
		if endpoint.Rest != "" {
			p.restHost = endpoint.Rest
		}
		if endpoint.Websocket != "" {
			wsHosts[market] = endpoint.Websocket
		}
	}

	for market, host := range wsHosts {
		m := market
		wsURL := url.URL{Scheme: "wss", Host: host, Path: bitgetWSPath}
		p.wsc[m] = NewWebsocketController(
			ctx,
			types.ExchangeBitget,
			wsURL,
			func() []interface{} { return p.subscriptionMsgsFor(m) },
			func(messageType int, bz []byte) { p.messageReceived(m, messageType, bz) },
			bitgetPingDuration,
			[]byte("ping"),
			websocket.TextMessage,
			p.logger,
		)
	}

	p.fetchTickers = p.restTickers
	p.fetchTicker = p.restTicker
	p.fetchKlines = p.restKlines
	p.subscribeMsg = func(key streamKey) interface{} {
		return BitgetWSOp{Op: "subscribe", Args: []BitgetWSArg{bitgetArg(key)}}
	}
	p.unsubscribeMsg = func(key streamKey) interface{} {
		return BitgetWSOp{Op: "unsubscribe", Args: []BitgetWSArg{bitgetArg(key)}}
	}
	p.confirmID = func(key streamKey) string {
		arg := bitgetArg(key)
		return arg.InstType + ":" + arg.Channel + ":" + arg.InstID
	}

	return p
}

func bitgetInstType(market types.MarketType) string {
	if market == types.MarketSpot {
		return "SPOT"
	}
	return "USDT-FUTURES"
}

func bitgetArg(key streamKey) BitgetWSArg {
	return BitgetWSArg{
		InstType: bitgetInstType(key.market),
		Channel:  "candle" + bitgetChannels[key.interval],
		InstID:   key.symbol,
	}
}

func (p *BitgetAdapter) messageReceived(market types.MarketType, _ int, bz []byte) {
	if string(bz) == "pong" {
		return
	}

	var msg BitgetWSMsg
	if err := json.Unmarshal(bz, &msg); err != nil {
		p.logger.Debug().Int("length", len(bz)).Err(err).Msg("unhandled websocket message")
		return
	}

	switch {
	case msg.Event == "subscribe":
		arg := msg.Arg
		p.wsc[market].Confirm(arg.InstType + ":" + arg.Channel + ":" + arg.InstID)
	case msg.Event == "error":
		p.logger.Error().Str("msg", msg.Msg).Msg("websocket subscription error")
	case msg.Action == "snapshot" || msg.Action == "update":
		p.handleCandles(msg)
	}
}

func (p *BitgetAdapter) handleCandles(msg BitgetWSMsg) {
	interval, ok := bitgetChannelInterval(msg.Arg.Channel)
	if !ok {
		return
	}
	market := types.MarketFutures
	if msg.Arg.InstType == "SPOT" {
		market = types.MarketSpot
	}
	symbol := types.Canonicalize(msg.Arg.InstID)

	// rows are [ts ms, open, high, low, close, baseVol, quoteVol, usdtVol]
	var rows [][]string
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		p.logger.Debug().Err(err).Msg("failed to decode candle push")
		return
	}
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		p.emitCandleSynthClosed(symbol, market, interval, types.Candle{
			Time:     ts / 1000,
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
			Turnover: parseFloat(row[6]),
		})
	}
}

func bitgetChannelInterval(channel string) (types.Interval, bool) {
	for ours, theirs := range bitgetChannels {
		if "candle"+theirs == channel {
			return ours, true
		}
	}
	return "", false
}

func (p *BitgetAdapter) tickersPath(market types.MarketType) string {
	if market == types.MarketSpot {
		return "/api/v2/spot/market/tickers"
	}
	return "/api/v2/mix/market/tickers?productType=USDT-FUTURES"
}

func (p *BitgetAdapter) getData(ctx context.Context, endpoint string, out interface{}) error {
	var resp BitgetResponse
	if err := p.rest.getJSON(ctx, endpoint, &resp); err != nil {
		return err
	}
	if resp.Code != "00000" {
		return types.NewUpstreamError(p.name, 0, fmt.Errorf("code %s: %s", resp.Code, resp.Msg))
	}
	return json.Unmarshal(resp.Data, out)
}

func (p *BitgetAdapter) restTickers(ctx context.Context, market types.MarketType) (map[string]types.TickerPrice, error) {
	var entries []BitgetTicker
	if err := p.getData(ctx, p.restHost+p.tickersPath(market), &entries); err != nil {
		return nil, err
	}

	tickers := make(map[string]types.TickerPrice, len(entries))
	for _, entry := range entries {
		ticker := entry.toTickerPrice()
		tickers[ticker.Symbol] = ticker
	}
	return tickers, nil
}

func (p *BitgetAdapter) restTicker(ctx context.Context, symbol string, market types.MarketType) (types.TickerPrice, error) {
	endpoint := p.restHost + p.tickersPath(market)
	if market == types.MarketSpot {
		endpoint += "?symbol=" + symbol
	} else {
		endpoint += "&symbol=" + symbol
	}

	var entries []BitgetTicker
	if err := p.getData(ctx, endpoint, &entries); err != nil {
		return types.TickerPrice{}, err
	}
	if len(entries) == 0 {
		return types.TickerPrice{}, fmt.Errorf("%w: %s %s", types.ErrTickerNotFound, p.name, symbol)
	}
	return entries[0].toTickerPrice(), nil
}

func (p *BitgetAdapter) restKlines(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	var endpoint string
	if market == types.MarketSpot {
		endpoint = fmt.Sprintf(
			"%s/api/v2/spot/market/candles?symbol=%s&granularity=%s&limit=%d",
			p.restHost, symbol, bitgetSpotGranularity[interval], limit,
		)
	} else {
		endpoint = fmt.Sprintf(
			"%s/api/v2/mix/market/candles?productType=USDT-FUTURES&symbol=%s&granularity=%s&limit=%d",
			p.restHost, symbol, bitgetChannels[interval], limit,
		)
	}
	if !endBefore.IsZero() {
		endpoint += "&endTime=" + strconv.FormatInt(endBefore.UnixMilli(), 10)
	}

	// rows are [ts ms, open, high, low, close, baseVol, quoteVol, ...],
	// oldest first already.
	var rows [][]string
	if err := p.getData(ctx, endpoint, &rows); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		candles = append(candles, types.Candle{
			Time:     ts / 1000,
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
			Turnover: parseFloat(row[6]),
			Closed:   true,
		})
	}
	markLastOpen(candles, interval)
	return candles, nil
}

func (t BitgetTicker) toTickerPrice() types.TickerPrice {
	return types.TickerPrice{
		Symbol:       types.Canonicalize(t.Symbol),
		Price:        parseFloat(t.LastPr),
		High24h:      parseFloat(t.High24h),
		Low24h:       parseFloat(t.Low24h),
		ChangePct24h: parseFloat(t.Change24h) * 100,
		QuoteVolume:  parseFloat(t.QuoteVolume),
		Time:         int64(parseFloat(t.Ts)),
	}
}
