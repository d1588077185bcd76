package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market/types"
	"github.com/coinpulse/alertfeed/util"
)

const (
	okxRestHost = "https://www.okx.com"
	okxWSHost   = "ws.okx.com:8443"
	okxWSPath   = "/ws/v5/business"

	okxPingDuration = 15 * time.Second
)

var _ Adapter = (*OkxAdapter)(nil)

// okx bar codes by interval; hours and days are uppercase.
var okxBars = map[types.Interval]string{
	types.Interval1m:  "1m",
	types.Interval5m:  "5m",
	types.Interval15m: "15m",
	types.Interval30m: "30m",
	types.Interval1h:  "1H",
	types.Interval4h:  "4H",
	types.Interval1d:  "1D",
}

type (
	// OkxAdapter speaks the OKX v5 public API. Futures map to USDT-margined
	// perpetual swaps.
	//
	// REF: https://www.okx.com/docs-v5/en/#websocket-api-public-channel-candlesticks-channel
	OkxAdapter struct {
		baseAdapter

		restHost string
	}

	// OkxTickerResponse is the /api/v5/market/tickers envelope.
	OkxTickerResponse struct {
		Code string      `json:"code"`
		Data []OkxTicker `json:"data"`
	}

	OkxTicker struct {
		InstID    string `json:"instId"` // Instrument ID ex.: BTC-USDT
		Last      string `json:"last"`
		High24h   string `json:"high24h"`
		Low24h    string `json:"low24h"`
		Open24h   string `json:"open24h"`
		VolCcy24h string `json:"volCcy24h"`
		Ts        string `json:"ts"`
	}

	// OkxCandleResponse covers both the REST candle rows and the websocket
	// candle push: rows are [ts, o, h, l, c, vol, volCcy, volCcyQuote,
	// confirm].
	OkxCandleResponse struct {
		Code string     `json:"code"`
		Arg  OkxArg     `json:"arg"`
		Data [][]string `json:"data"`
	}

	OkxArg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	}

	// OkxWSEvent acknowledges subscription operations.
	OkxWSEvent struct {
		Event string `json:"event"`
		Arg   OkxArg `json:"arg"`
		Msg   string `json:"msg"`
	}

	// OkxSubscriptionMsg subscribes or unsubscribes N channel topics.
	OkxSubscriptionMsg struct {
		Op   string   `json:"op"` // subscribe / unsubscribe
		Args []OkxArg `json:"args"`
	}
)

// NewOkxAdapter creates an OKX adapter wired to sink.
func NewOkxAdapter(
	ctx context.Context,
	logger zerolog.Logger,
	sink CandleSink,
	endpoints map[types.MarketType]Endpoint,
) *OkxAdapter {
	p := &OkxAdapter{
		baseAdapter: newBaseAdapter(types.ExchangeOkx, logger, sink),
		restHost:    okxRestHost,
	}

	wsHosts := map[types.MarketType]string{
		types.MarketFutures: okxWSHost,
		types.MarketSpot:    okxWSHost,
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
		wsURL := url.URL{Scheme: "wss", Host: host, Path: okxWSPath}
		p.wsc[m] = NewWebsocketController(
			ctx,
			types.ExchangeOkx,
			wsURL,
			func() []interface{} { return p.subscriptionMsgsFor(m) },
			func(messageType int, bz []byte) { p.messageReceived(m, messageType, bz) },
			okxPingDuration,
			[]byte("ping"),
			websocket.TextMessage,
			p.logger,
		)
	}

	p.fetchTickers = p.restTickers
	p.fetchTicker = p.restTicker
	p.fetchKlines = p.restKlines
	p.subscribeMsg = func(key streamKey) interface{} {
		return OkxSubscriptionMsg{Op: "subscribe", Args: []OkxArg{okxChannelArg(key)}}
	}
	p.unsubscribeMsg = func(key streamKey) interface{} {
		return OkxSubscriptionMsg{Op: "unsubscribe", Args: []OkxArg{okxChannelArg(key)}}
	}
	p.confirmID = func(key streamKey) string {
		arg := okxChannelArg(key)
		return arg.Channel + ":" + arg.InstID
	}

	return p
}

// okxInstID returns the venue instrument ID, ex.: "BTC-USDT" spot,
// "BTC-USDT-SWAP" futures.
func okxInstID(symbol string, market types.MarketType) string {
	base, quote := types.SplitQuote(symbol)
	if quote == "" {
		return symbol
	}
	instID := base + "-" + quote
	if market == types.MarketFutures {
		instID += "-SWAP"
	}
	return instID
}

func okxChannelArg(key streamKey) OkxArg {
	return OkxArg{
		Channel: "candle" + okxBars[key.interval],
		InstID:  okxInstID(key.symbol, key.market),
	}
}

func okxInstType(market types.MarketType) string {
	if market == types.MarketSpot {
		return "SPOT"
	}
	return "SWAP"
}

func (p *OkxAdapter) messageReceived(market types.MarketType, _ int, bz []byte) {
	if string(bz) == "pong" {
		return
	}

	var event OkxWSEvent
	eventErr := json.Unmarshal(bz, &event)
	if eventErr == nil && event.Event != "" {
		if event.Event == "subscribe" {
			p.wsc[market].Confirm(event.Arg.Channel + ":" + event.Arg.InstID)
		}
		if event.Event == "error" {
			p.logger.Error().Str("msg", event.Msg).Msg("websocket subscription error")
		}
		return
	}

	var candleResp OkxCandleResponse
	candleErr := json.Unmarshal(bz, &candleResp)
	if candleErr == nil && strings.HasPrefix(candleResp.Arg.Channel, "candle") {
		p.handleCandle(market, candleResp)
		return
	}

	p.logger.Debug().
		Int("length", len(bz)).
		AnErr("event", eventErr).
		AnErr("candle", candleErr).
		Msg("unhandled websocket message")
}

func (p *OkxAdapter) handleCandle(market types.MarketType, resp OkxCandleResponse) {
	bar := strings.TrimPrefix(resp.Arg.Channel, "candle")
	var interval types.Interval
	for ours, theirs := range okxBars {
		if theirs == bar {
			interval = ours
			break
		}
	}
	if interval == "" {
		return
	}

	symbol := types.Canonicalize(resp.Arg.InstID)
	for _, row := range resp.Data {
		candle, ok := okxRowToCandle(row)
		if !ok {
			continue
		}
		p.emitCandle(symbol, market, interval, candle)
	}
}

// okxRowToCandle decodes one candle row; element 8 is the confirm flag
// ("1" once the bar closed).
func okxRowToCandle(row []string) (types.Candle, bool) {
	if len(row) < 9 {
		return types.Candle{}, false
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return types.Candle{}, false
	}
	return types.Candle{
		Time:     ts / 1000,
		Open:     parseFloat(row[1]),
		High:     parseFloat(row[2]),
		Low:      parseFloat(row[3]),
		Close:    parseFloat(row[4]),
		Volume:   parseFloat(row[5]),
		Turnover: parseFloat(row[7]),
		Closed:   row[8] == "1",
	}, true
}

func (p *OkxAdapter) restTickers(ctx context.Context, market types.MarketType) (map[string]types.TickerPrice, error) {
	endpoint := fmt.Sprintf("%s/api/v5/market/tickers?instType=%s", p.restHost, okxInstType(market))
	var resp OkxTickerResponse
	if err := p.rest.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	tickers := make(map[string]types.TickerPrice, len(resp.Data))
	for _, entry := range resp.Data {
		ticker := entry.toTickerPrice()
		tickers[ticker.Symbol] = ticker
	}
	return tickers, nil
}

func (p *OkxAdapter) restTicker(ctx context.Context, symbol string, market types.MarketType) (types.TickerPrice, error) {
	endpoint := fmt.Sprintf("%s/api/v5/market/ticker?instId=%s", p.restHost, okxInstID(symbol, market))
	var resp OkxTickerResponse
	if err := p.rest.getJSON(ctx, endpoint, &resp); err != nil {
		return types.TickerPrice{}, err
	}
	if len(resp.Data) == 0 {
		return types.TickerPrice{}, fmt.Errorf("%w: %s %s", types.ErrTickerNotFound, p.name, symbol)
	}
	return resp.Data[0].toTickerPrice(), nil
}

func (p *OkxAdapter) restKlines(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	endpoint := fmt.Sprintf(
		"%s/api/v5/market/candles?instId=%s&bar=%s&limit=%d",
		p.restHost, okxInstID(symbol, market), okxBars[interval], limit,
	)
	if !endBefore.IsZero() {
		endpoint += "&after=" + strconv.FormatInt(endBefore.UnixMilli(), 10)
	}

	var resp OkxCandleResponse
	if err := p.rest.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	// rows arrive newest first; reverse to oldest first.
	candles := make([]types.Candle, 0, len(resp.Data))
	for i := len(resp.Data) - 1; i >= 0; i-- {
		if candle, ok := okxRowToCandle(resp.Data[i]); ok {
			candles = append(candles, candle)
		}
	}
	return candles, nil
}

func (t OkxTicker) toTickerPrice() types.TickerPrice {
	last := parseFloat(t.Last)
	return types.TickerPrice{
		Symbol:       types.Canonicalize(t.InstID),
		Price:        last,
		High24h:      parseFloat(t.High24h),
		Low24h:       parseFloat(t.Low24h),
		ChangePct24h: util.CalcChangePercent(parseFloat(t.Open24h), last),
		QuoteVolume:  parseFloat(t.VolCcy24h),
		Time:         int64(parseFloat(t.Ts)),
	}
}
