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
)

const (
	bybitRestHost      = "https://api.bybit.com"
	bybitWSHost        = "stream.bybit.com"
	bybitWSPathFutures = "/v5/public/linear"
	bybitWSPathSpot    = "/v5/public/spot"

	bybitPingDuration = 20 * time.Second
)

var _ Adapter = (*BybitAdapter)(nil)

// bybit v5 interval codes by bar duration.
var bybitIntervals = map[types.Interval]string{
	types.Interval1m:  "1",
	types.Interval5m:  "5",
	types.Interval15m: "15",
	types.Interval30m: "30",
	types.Interval1h:  "60",
	types.Interval4h:  "240",
	types.Interval1d:  "D",
}

type (
	// BybitAdapter speaks the Bybit v5 public API; futures map to the
	// "linear" category.
	//
	// REF: https://bybit-exchange.github.io/docs/v5/websocket/public/kline
	BybitAdapter struct {
		baseAdapter

		restHost string
	}

	// BybitTickerResult is the /v5/market/tickers envelope.
	BybitTickerResult struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []BybitTicker `json:"list"`
		} `json:"result"`
	}

	BybitTicker struct {
		Symbol       string `json:"symbol"`
		LastPrice    string `json:"lastPrice"`
		HighPrice24h string `json:"highPrice24h"`
		LowPrice24h  string `json:"lowPrice24h"`
		Price24hPcnt string `json:"price24hPcnt"`
		Turnover24h  string `json:"turnover24h"`
	}

	// BybitKlineResult is the /v5/market/kline envelope; rows are
	// [startMs, open, high, low, close, volume, turnover], newest first.
	BybitKlineResult struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}

	// BybitKlineEvent is the websocket kline push.
	BybitKlineEvent struct {
		Topic string `json:"topic"` // ex.: kline.1.BTCUSDT
		Data  []struct {
			Start    int64  `json:"start"`
			Interval string `json:"interval"`
			Open     string `json:"open"`
			High     string `json:"high"`
			Low      string `json:"low"`
			Close    string `json:"close"`
			Volume   string `json:"volume"`
			Turnover string `json:"turnover"`
			Confirm  bool   `json:"confirm"`
		} `json:"data"`
	}

	// BybitOpMsg frames subscribe/unsubscribe/ping operations.
	BybitOpMsg struct {
		ReqID string   `json:"req_id,omitempty"`
		Op    string   `json:"op"`
		Args  []string `json:"args,omitempty"`
	}

	// BybitOpResp acknowledges an operation.
	BybitOpResp struct {
		ReqID   string `json:"req_id"`
		Op      string `json:"op"`
		Success bool   `json:"success"`
	}
)

// NewBybitAdapter creates a Bybit adapter wired to sink.
func NewBybitAdapter(
	ctx context.Context,
	logger zerolog.Logger,
	sink CandleSink,
	endpoints map[types.MarketType]Endpoint,
) *BybitAdapter {
	p := &BybitAdapter{
		baseAdapter: newBaseAdapter(types.ExchangeBybit, logger, sink),
		restHost:    bybitRestHost,
	}

	wsHosts := map[types.MarketType]string{
		types.MarketFutures: bybitWSHost,
		types.MarketSpot:    bybitWSHost,
	}
	wsPaths := map[types.MarketType]string{
		types.MarketFutures: bybitWSPathFutures,
		types.MarketSpot:    bybitWSPathSpot,
	}
	for market, endpoint := range endpoints {
		if endpoint.Rest != "" {
			p.restHost = endpoint.Rest
		}
		if endpoint.Websocket != "" {
			wsHosts[market] = endpoint.Websocket
		}
	}

	pingMsg, _ := json.Marshal(BybitOpMsg{Op: "ping"})
	for market, host := range wsHosts {
		m := market
		wsURL := url.URL{Scheme: "wss", Host: host, Path: wsPaths[m]}
		p.wsc[m] = NewWebsocketController(
			ctx,
			types.ExchangeBybit,
			wsURL,
			func() []interface{} { return p.subscriptionMsgsFor(m) },
			func(messageType int, bz []byte) { p.messageReceived(m, messageType, bz) },
			bybitPingDuration,
			pingMsg,
			websocket.TextMessage,
			p.logger,
		)
	}

	p.fetchTickers = p.restTickers
	p.fetchTicker = p.restTicker
	p.fetchKlines = p.restKlines
	p.subscribeMsg = func(key streamKey) interface{} {
		return BybitOpMsg{ReqID: bybitTopic(key), Op: "subscribe", Args: []string{bybitTopic(key)}}
	}
	p.unsubscribeMsg = func(key streamKey) interface{} {
		return BybitOpMsg{Op: "unsubscribe", Args: []string{bybitTopic(key)}}
	}
	p.confirmID = bybitTopic

	return p
}

func bybitTopic(key streamKey) string {
	return "kline." + bybitIntervals[key.interval] + "." + key.symbol
}

func bybitCategory(market types.MarketType) string {
	if market == types.MarketSpot {
		return "spot"
	}
	return "linear"
}

func (p *BybitAdapter) messageReceived(market types.MarketType, _ int, bz []byte) {
	var klineEvent BybitKlineEvent
	klineErr := json.Unmarshal(bz, &klineEvent)
	if klineErr == nil && strings.HasPrefix(klineEvent.Topic, "kline.") {
		p.handleKline(market, klineEvent)
		return
	}

	var opResp BybitOpResp
	opErr := json.Unmarshal(bz, &opResp)
	if opErr == nil && opResp.Op != "" {
		if opResp.Op == "subscribe" && opResp.Success && opResp.ReqID != "" {
			p.wsc[market].Confirm(opResp.ReqID)
		}
		return
	}

	p.logger.Debug().
		Int("length", len(bz)).
		AnErr("kline", klineErr).
		AnErr("op", opErr).
		Msg("unhandled websocket message")
}

func (p *BybitAdapter) handleKline(market types.MarketType, event BybitKlineEvent) {
	parts := strings.Split(event.Topic, ".")
	if len(parts) != 3 {
		return
	}
	symbol := types.Canonicalize(parts[2])

	var interval types.Interval
	for ours, theirs := range bybitIntervals {
		if theirs == parts[1] {
			interval = ours
			break
		}
	}
	if interval == "" {
		return
	}

	for _, k := range event.Data {
		candle := types.Candle{
			Time:     k.Start / 1000,
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
			Turnover: parseFloat(k.Turnover),
			Closed:   k.Confirm,
		}
		p.emitCandle(symbol, market, interval, candle)
	}
}

func (p *BybitAdapter) restTickers(ctx context.Context, market types.MarketType) (map[string]types.TickerPrice, error) {
	endpoint := fmt.Sprintf("%s/v5/market/tickers?category=%s", p.restHost, bybitCategory(market))
	var result BybitTickerResult
	if err := p.rest.getJSON(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, types.NewUpstreamError(p.name, 0, fmt.Errorf("retCode %d: %s", result.RetCode, result.RetMsg))
	}

	tickers := make(map[string]types.TickerPrice, len(result.Result.List))
	for _, entry := range result.Result.List {
		ticker := entry.toTickerPrice()
		tickers[ticker.Symbol] = ticker
	}
	return tickers, nil
}

func (p *BybitAdapter) restTicker(ctx context.Context, symbol string, market types.MarketType) (types.TickerPrice, error) {
	endpoint := fmt.Sprintf("%s/v5/market/tickers?category=%s&symbol=%s", p.restHost, bybitCategory(market), symbol)
	var result BybitTickerResult
	if err := p.rest.getJSON(ctx, endpoint, &result); err != nil {
		return types.TickerPrice{}, err
	}
	if len(result.Result.List) == 0 {
		return types.TickerPrice{}, fmt.Errorf("%w: %s %s", types.ErrTickerNotFound, p.name, symbol)
	}
	return result.Result.List[0].toTickerPrice(), nil
}

func (p *BybitAdapter) restKlines(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	endpoint := fmt.Sprintf(
		"%s/v5/market/kline?category=%s&symbol=%s&interval=%s&limit=%d",
		p.restHost, bybitCategory(market), symbol, bybitIntervals[interval], limit,
	)
	if !endBefore.IsZero() {
		endpoint += "&end=" + strconv.FormatInt(endBefore.UnixMilli(), 10)
	}

	var result BybitKlineResult
	if err := p.rest.getJSON(ctx, endpoint, &result); err != nil {
		return nil, err
	}

	// rows arrive newest first; reverse to oldest first.
	rows := result.Result.List
	candles := make([]types.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 7 {
			continue
		}
		candles = append(candles, types.Candle{
			Time:     int64(parseFloat(row[0])) / 1000,
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

func (t BybitTicker) toTickerPrice() types.TickerPrice {
	return types.TickerPrice{
		Symbol:       types.Canonicalize(t.Symbol),
		Price:        parseFloat(t.LastPrice),
		High24h:      parseFloat(t.HighPrice24h),
		Low24h:       parseFloat(t.LowPrice24h),
		ChangePct24h: parseFloat(t.Price24hPcnt) * 100,
		QuoteVolume:  parseFloat(t.Turnover24h),
	}
}
