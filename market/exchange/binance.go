package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market/types"
)

const (
	binanceFuturesRestHost = "https://fapi.binance.com"
	binanceSpotRestHost    = "https://api.binance.com"
	binanceFuturesWSHost   = "fstream.binance.com"
	binanceSpotWSHost      = "stream.binance.com:9443"
	binanceWSPath          = "/ws"
)

var _ Adapter = (*BinanceAdapter)(nil)

type (
	// BinanceAdapter speaks the Binance USDⓈ-M futures and spot public APIs.
	//
	// REF: https://binance-docs.github.io/apidocs/futures/en/#kline-candlestick-streams
	// REF: https://binance-docs.github.io/apidocs/spot/en/#kline-candlestick-streams
	BinanceAdapter struct {
		baseAdapter

		restHosts map[types.MarketType]string

		// pending subscription ack ids -> watchdog keys
		pendingMtx sync.Mutex
		pending    map[types.MarketType]map[uint64]string
		nextID     uint64
	}

	// BinanceTicker is one entry of the 24hr ticker statistics endpoint.
	BinanceTicker struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		QuoteVolume        string `json:"quoteVolume"`
		CloseTime          int64  `json:"closeTime"`
	}

	// BinanceKlineEvent is the websocket kline stream payload.
	BinanceKlineEvent struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Kline     struct {
			OpenTime    int64  `json:"t"`
			Interval    string `json:"i"`
			Open        string `json:"o"`
			High        string `json:"h"`
			Low         string `json:"l"`
			Close       string `json:"c"`
			Volume      string `json:"v"`
			QuoteVolume string `json:"q"`
			IsClosed    bool   `json:"x"`
		} `json:"k"`
	}

	// BinanceSubscriptionMsg subscribes or unsubscribes raw stream names.
	BinanceSubscriptionMsg struct {
		Method string   `json:"method"` // SUBSCRIBE / UNSUBSCRIBE
		Params []string `json:"params"`
		ID     uint64   `json:"id"`
	}

	// BinanceSubscriptionResp acknowledges a subscription message.
	BinanceSubscriptionResp struct {
		Result json.RawMessage `json:"result"`
		ID     uint64          `json:"id"`
	}
)

// NewBinanceAdapter creates a Binance adapter wired to sink.
func NewBinanceAdapter(
	ctx context.Context,
	logger zerolog.Logger,
	sink CandleSink,
	endpoints map[types.MarketType]Endpoint,
) *BinanceAdapter {
	p := &BinanceAdapter{
		baseAdapter: newBaseAdapter(types.ExchangeBinance, logger, sink),
		restHosts: map[types.MarketType]string{
			types.MarketFutures: binanceFuturesRestHost,
			types.MarketSpot:    binanceSpotRestHost,
		},
		pending: map[types.MarketType]map[uint64]string{
			types.MarketFutures: {},
			types.MarketSpot:    {},
		},
	}

	wsHosts := map[types.MarketType]string{
		types.MarketFutures: binanceFuturesWSHost,
		types.MarketSpot:    binanceSpotWSHost,
	}
	for market, endpoint := range endpoints {
		if endpoint.Rest != "" {
			p.restHosts[market] = endpoint.Rest
		}
		if endpoint.Websocket != "" {
			wsHosts[market] = endpoint.Websocket
		}
	}

	for market, host := range wsHosts {
		m := market
		wsURL := url.URL{Scheme: "wss", Host: host, Path: binanceWSPath}
		// Binance pings from the server side; only pong replies are needed,
		// which gorilla handles for us.
		p.wsc[m] = NewWebsocketController(
			ctx,
			types.ExchangeBinance,
			wsURL,
			func() []interface{} { return p.subscriptionMsgsFor(m) },
			func(messageType int, bz []byte) { p.messageReceived(m, messageType, bz) },
			disabledPingDuration,
			nil,
			websocket.PingMessage,
			p.logger,
		)
	}

	p.fetchTickers = p.restTickers
	p.fetchTicker = p.restTicker
	p.fetchKlines = p.restKlines
	p.subscribeMsg = func(key streamKey) interface{} { return p.subscriptionMsg("SUBSCRIBE", key) }
	p.unsubscribeMsg = func(key streamKey) interface{} { return p.subscriptionMsg("UNSUBSCRIBE", key) }
	p.confirmID = binanceStreamName

	return p
}

func binanceStreamName(key streamKey) string {
	return strings.ToLower(key.symbol) + "@kline_" + key.interval.String()
}

func (p *BinanceAdapter) subscriptionMsg(method string, key streamKey) BinanceSubscriptionMsg {
	id := atomic.AddUint64(&p.nextID, 1)
	if method == "SUBSCRIBE" {
		p.pendingMtx.Lock()
		p.pending[key.market][id] = binanceStreamName(key)
		p.pendingMtx.Unlock()
	}
	return BinanceSubscriptionMsg{
		Method: method,
		Params: []string{binanceStreamName(key)},
		ID:     id,
	}
}

func (p *BinanceAdapter) messageReceived(market types.MarketType, _ int, bz []byte) {
	var klineEvent BinanceKlineEvent
	klineErr := json.Unmarshal(bz, &klineEvent)
	if klineErr == nil && klineEvent.EventType == "kline" {
		p.handleKline(market, klineEvent)
		return
	}

	var subResp BinanceSubscriptionResp
	subErr := json.Unmarshal(bz, &subResp)
	if subErr == nil && subResp.ID != 0 {
		p.pendingMtx.Lock()
		watchdogKey, ok := p.pending[market][subResp.ID]
		delete(p.pending[market], subResp.ID)
		p.pendingMtx.Unlock()
		if ok {
			p.wsc[market].Confirm(watchdogKey)
		}
		return
	}

	p.logger.Debug().
		Int("length", len(bz)).
		AnErr("kline", klineErr).
		AnErr("subscription", subErr).
		Msg("unhandled websocket message")
}

func (p *BinanceAdapter) handleKline(market types.MarketType, event BinanceKlineEvent) {
	k := event.Kline
	interval, err := types.ParseInterval(k.Interval)
	if err != nil {
		return
	}

	candle := types.Candle{
		Time:     k.OpenTime / 1000,
		Open:     parseFloat(k.Open),
		High:     parseFloat(k.High),
		Low:      parseFloat(k.Low),
		Close:    parseFloat(k.Close),
		Volume:   parseFloat(k.Volume),
		Turnover: parseFloat(k.QuoteVolume),
		Closed:   k.IsClosed,
	}
	p.emitCandle(types.Canonicalize(event.Symbol), market, interval, candle)
}

func (p *BinanceAdapter) tickerPath(market types.MarketType) string {
	if market == types.MarketSpot {
		return "/api/v3/ticker/24hr"
	}
	return "/fapi/v1/ticker/24hr"
}

func (p *BinanceAdapter) klinePath(market types.MarketType) string {
	if market == types.MarketSpot {
		return "/api/v3/klines"
	}
	return "/fapi/v1/klines"
}

func (p *BinanceAdapter) restTickers(ctx context.Context, market types.MarketType) (map[string]types.TickerPrice, error) {
	var entries []BinanceTicker
	if err := p.rest.getJSON(ctx, p.restHosts[market]+p.tickerPath(market), &entries); err != nil {
		return nil, err
	}

	tickers := make(map[string]types.TickerPrice, len(entries))
	for _, entry := range entries {
		ticker := entry.toTickerPrice()
		tickers[ticker.Symbol] = ticker
	}
	return tickers, nil
}

func (p *BinanceAdapter) restTicker(ctx context.Context, symbol string, market types.MarketType) (types.TickerPrice, error) {
	endpoint := fmt.Sprintf("%s%s?symbol=%s", p.restHosts[market], p.tickerPath(market), symbol)
	var entry BinanceTicker
	if err := p.rest.getJSON(ctx, endpoint, &entry); err != nil {
		return types.TickerPrice{}, err
	}
	return entry.toTickerPrice(), nil
}

func (p *BinanceAdapter) restKlines(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	endpoint := fmt.Sprintf(
		"%s%s?symbol=%s&interval=%s&limit=%d",
		p.restHosts[market], p.klinePath(market), symbol, interval, limit,
	)
	if !endBefore.IsZero() {
		endpoint += "&endTime=" + strconv.FormatInt(endBefore.UnixMilli(), 10)
	}

	var rows [][]interface{}
	if err := p.rest.getJSON(ctx, endpoint, &rows); err != nil {
		return nil, err
	}

	// rows are [openTimeMs, open, high, low, close, volume, closeTimeMs,
	// quoteVolume, ...], oldest first already.
	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 8 {
			continue
		}
		candles = append(candles, types.Candle{
			Time:     int64(asFloat(row[0])) / 1000,
			Open:     asFloat(row[1]),
			High:     asFloat(row[2]),
			Low:      asFloat(row[3]),
			Close:    asFloat(row[4]),
			Volume:   asFloat(row[5]),
			Turnover: asFloat(row[7]),
			Closed:   true,
		})
	}
	markLastOpen(candles, interval)
	return candles, nil
}

func (t BinanceTicker) toTickerPrice() types.TickerPrice {
	return types.TickerPrice{
		Symbol:       types.Canonicalize(t.Symbol),
		Price:        parseFloat(t.LastPrice),
		High24h:      parseFloat(t.HighPrice),
		Low24h:       parseFloat(t.LowPrice),
		ChangePct24h: parseFloat(t.PriceChangePercent),
		QuoteVolume:  parseFloat(t.QuoteVolume),
		Time:         t.CloseTime,
	}
}
