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
	mexcSpotRestHost    = "https://api.mexc.com"
	mexcFuturesRestHost = "https://contract.mexc.com"
	mexcSpotWSHost      = "wbs.mexc.com"
	mexcSpotWSPath      = "/ws"
	mexcFuturesWSHost   = "contract.mexc.com"
	mexcFuturesWSPath   = "/edge"

	mexcPingDuration = 25 * time.Second
)

var _ Adapter = (*MexcAdapter)(nil)

// mexc contract interval codes, shared by the futures REST and both websocket
// APIs.
var mexcIntervals = map[types.Interval]string{
	types.Interval1m:  "Min1",
	types.Interval5m:  "Min5",
	types.Interval15m: "Min15",
	types.Interval30m: "Min30",
	types.Interval1h:  "Min60",
	types.Interval4h:  "Hour4",
	types.Interval1d:  "Day1",
}

// mexc spot REST interval codes; the hour bar is "60m".
var mexcSpotIntervals = map[types.Interval]string{
	types.Interval1m:  "1m",
	types.Interval5m:  "5m",
	types.Interval15m: "15m",
	types.Interval30m: "30m",
	types.Interval1h:  "60m",
	types.Interval4h:  "4h",
	types.Interval1d:  "1d",
}

type (
	// MexcAdapter speaks the MEXC spot v3 and contract v1 public APIs. Spot
	// reuses the Binance-shaped /api/v3 surface; futures live on the contract
	// host with underscore pairs. Neither candle stream carries a bar-closed
	// flag, and neither websocket acks subscriptions with an addressable id,
	// so the adapter synthesizes closed bars and runs without the
	// confirmation watchdog.
	//
	// REF: https://mexcdevelop.github.io/apidocs/spot_v3_en/#k-line-streams
	// REF: https://mexcdevelop.github.io/apidocs/contract_v1_en/#k-line
	MexcAdapter struct {
		baseAdapter

		restHosts map[types.MarketType]string
	}

	// MexcContractResponse is the contract API envelope.
	MexcContractResponse struct {
		Success bool            `json:"success"`
		Code    int             `json:"code"`
		Data    json.RawMessage `json:"data"`
	}

	// MexcContractTicker is one contract ticker entry; riseFallRate is a
	// fraction.
	MexcContractTicker struct {
		Symbol       string  `json:"symbol"` // ex.: BTC_USDT
		LastPrice    float64 `json:"lastPrice"`
		High24Price  float64 `json:"high24Price"`
		Lower24Price float64 `json:"lower24Price"`
		RiseFallRate float64 `json:"riseFallRate"`
		Amount24     float64 `json:"amount24"`
		Timestamp    int64   `json:"timestamp"`
	}

	// MexcContractKlines is the contract kline payload, column-oriented.
	MexcContractKlines struct {
		Time   []int64   `json:"time"`
		Open   []float64 `json:"open"`
		High   []float64 `json:"high"`
		Low    []float64 `json:"low"`
		Close  []float64 `json:"close"`
		Vol    []float64 `json:"vol"`
		Amount []float64 `json:"amount"`
	}

	// MexcSpotWSMsg frames spot subscription operations.
	MexcSpotWSMsg struct {
		Method string   `json:"method"` // SUBSCRIPTION / UNSUBSCRIPTION / PING
		Params []string `json:"params,omitempty"`
	}

	// MexcSpotKlineEvent is the spot websocket kline push.
	MexcSpotKlineEvent struct {
		Channel string `json:"c"` // ex.: spot@public.kline.v3.api@BTCUSDT@Min1
		Symbol  string `json:"s"`
		Data    struct {
			Kline struct {
				Start    int64       `json:"t"`
				Interval string      `json:"i"`
				Open     interface{} `json:"o"`
				High     interface{} `json:"h"`
				Low      interface{} `json:"l"`
				Close    interface{} `json:"c"`
				Volume   interface{} `json:"v"`
				Amount   interface{} `json:"a"`
			} `json:"k"`
		} `json:"d"`
	}

	// MexcFuturesWSMsg frames contract subscription operations.
	MexcFuturesWSMsg struct {
		Method string      `json:"method"` // sub.kline / unsub.kline / ping
		Param  interface{} `json:"param,omitempty"`
	}

	// MexcFuturesKlineEvent is the contract websocket kline push.
	MexcFuturesKlineEvent struct {
		Channel string `json:"channel"` // push.kline
		Data    struct {
			Symbol   string  `json:"symbol"`
			Interval string  `json:"interval"`
			Start    int64   `json:"t"`
			Open     float64 `json:"o"`
			High     float64 `json:"h"`
			Low      float64 `json:"l"`
			Close    float64 `json:"c"`
			Volume   float64 `json:"q"`
			Amount   float64 `json:"a"`
		} `json:"data"`
	}
)

// NewMexcAdapter creates a MEXC adapter wired to sink.
func NewMexcAdapter(
	ctx context.Context,
	logger zerolog.Logger,
	sink CandleSink,
	endpoints map[types.MarketType]Endpoint,
) *MexcAdapter {
	p := &MexcAdapter{
		baseAdapter: newBaseAdapter(types.ExchangeMexc, logger, sink),
		restHosts: map[types.MarketType]string{
			types.MarketFutures: mexcFuturesRestHost,
			types.MarketSpot:    mexcSpotRestHost,
		},
	}

	wsURLs := map[types.MarketType]url.URL{
		types.MarketFutures: {Scheme: "wss", Host: mexcFuturesWSHost, Path: mexcFuturesWSPath},
		types.MarketSpot:    {Scheme: "wss", Host: mexcSpotWSHost, Path: mexcSpotWSPath},
	}
	for market, endpoint := range endpoints {
		if endpoint.Rest != "" {
			p.restHosts[market] = endpoint.Rest
		}
		if endpoint.Websocket != "" {
			u := wsURLs[market]
			u.Host = endpoint.Websocket
			wsURLs[market] = u
		}
	}

	pingMsgs := map[types.MarketType][]byte{}
	pingMsgs[types.MarketSpot], _ = json.Marshal(MexcSpotWSMsg{Method: "PING"})
	pingMsgs[types.MarketFutures], _ = json.Marshal(MexcFuturesWSMsg{Method: "ping"})

	for market, wsURL := range wsURLs {
		m := market
		p.wsc[m] = NewWebsocketController(
			ctx,
			types.ExchangeMexc,
			wsURL,
			func() []interface{} { return p.subscriptionMsgsFor(m) },
			func(messageType int, bz []byte) { p.messageReceived(m, messageType, bz) },
			mexcPingDuration,
			pingMsgs[m],
			websocket.TextMessage,
			p.logger,
		)
	}

	p.fetchTickers = p.restTickers
	p.fetchTicker = p.restTicker
	p.fetchKlines = p.restKlines
	p.subscribeMsg = func(key streamKey) interface{} { return p.wsOp(key, true) }
	p.unsubscribeMsg = func(key streamKey) interface{} { return p.wsOp(key, false) }

	return p
}

// mexcSymbol returns the venue symbol form: "BTCUSDT" spot, "BTC_USDT"
// futures.
func mexcSymbol(symbol string, market types.MarketType) string {
	if market == types.MarketSpot {
		return symbol
	}
	base, quote := types.SplitQuote(symbol)
	if quote == "" {
		return symbol
	}
	return base + "_" + quote
}

func mexcSpotStream(key streamKey) string {
	return "spot@public.kline.v3.api@" + key.symbol + "@" + mexcIntervals[key.interval]
}

func (p *MexcAdapter) wsOp(key streamKey, subscribe bool) interface{} {
	if key.market == types.MarketSpot {
		method := "SUBSCRIPTION"
		if !subscribe {
			method = "UNSUBSCRIPTION"
		}
		return MexcSpotWSMsg{Method: method, Params: []string{mexcSpotStream(key)}}
	}

	method := "sub.kline"
	if !subscribe {
		method = "unsub.kline"
	}
	return MexcFuturesWSMsg{
		Method: method,
		Param: map[string]string{
			"symbol":   mexcSymbol(key.symbol, key.market),
			"interval": mexcIntervals[key.interval],
		},
	}
}

func (p *MexcAdapter) messageReceived(market types.MarketType, _ int, bz []byte) {
	if market == types.MarketSpot {
		p.spotMessageReceived(bz)
		return
	}
	p.futuresMessageReceived(bz)
}

func (p *MexcAdapter) spotMessageReceived(bz []byte) {
	var event MexcSpotKlineEvent
	err := json.Unmarshal(bz, &event)
	if err != nil || !strings.Contains(event.Channel, "public.kline") {
		// PONG and subscription acks land here
		return
	}

	interval, ok := mexcIntervalFromCode(event.Data.Kline.Interval)
	if !ok {
		return
	}
	k := event.Data.Kline
	p.emitCandleSynthClosed(types.Canonicalize(event.Symbol), types.MarketSpot, interval, types.Candle{
		Time:     k.Start,
		Open:     asFloat(k.Open),
		High:     asFloat(k.High),
		Low:      asFloat(k.Low),
		Close:    asFloat(k.Close),
		Volume:   asFloat(k.Volume),
		Turnover: asFloat(k.Amount),
	})
}

func (p *MexcAdapter) futuresMessageReceived(bz []byte) {
	var event MexcFuturesKlineEvent
	err := json.Unmarshal(bz, &event)
	if err != nil || event.Channel != "push.kline" {
		return
	}

	interval, ok := mexcIntervalFromCode(event.Data.Interval)
	if !ok {
		return
	}
	k := event.Data
	p.emitCandleSynthClosed(types.Canonicalize(k.Symbol), types.MarketFutures, interval, types.Candle{
		Time:     k.Start,
		Open:     k.Open,
		High:     k.High,
		Low:      k.Low,
		Close:    k.Close,
		Volume:   k.Volume,
		Turnover: k.Amount,
	})
}

func mexcIntervalFromCode(code string) (types.Interval, bool) {
	for ours, theirs := range mexcIntervals {
		if theirs == code {
			return ours, true
		}
	}
	return "", false
}

func (p *MexcAdapter) restTickers(ctx context.Context, market types.MarketType) (map[string]types.TickerPrice, error) {
	if market == types.MarketSpot {
		var entries []BinanceTicker
		if err := p.rest.getJSON(ctx, p.restHosts[market]+"/api/v3/ticker/24hr", &entries); err != nil {
			return nil, err
		}
		tickers := make(map[string]types.TickerPrice, len(entries))
		for _, entry := range entries {
			ticker := mexcSpotTickerPrice(entry)
			tickers[ticker.Symbol] = ticker
		}
		return tickers, nil
	}

	var entries []MexcContractTicker
	if err := p.getContractData(ctx, p.restHosts[market]+"/api/v1/contract/ticker", &entries); err != nil {
		return nil, err
	}
	tickers := make(map[string]types.TickerPrice, len(entries))
	for _, entry := range entries {
		ticker := entry.toTickerPrice()
		tickers[ticker.Symbol] = ticker
	}
	return tickers, nil
}

func (p *MexcAdapter) restTicker(ctx context.Context, symbol string, market types.MarketType) (types.TickerPrice, error) {
	if market == types.MarketSpot {
		endpoint := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", p.restHosts[market], symbol)
		var entry BinanceTicker
		if err := p.rest.getJSON(ctx, endpoint, &entry); err != nil {
			return types.TickerPrice{}, err
		}
		return mexcSpotTickerPrice(entry), nil
	}

	endpoint := fmt.Sprintf("%s/api/v1/contract/ticker?symbol=%s", p.restHosts[market], mexcSymbol(symbol, market))
	var entry MexcContractTicker
	if err := p.getContractData(ctx, endpoint, &entry); err != nil {
		return types.TickerPrice{}, err
	}
	if entry.Symbol == "" {
		return types.TickerPrice{}, fmt.Errorf("%w: %s %s", types.ErrTickerNotFound, p.name, symbol)
	}
	return entry.toTickerPrice(), nil
}

func (p *MexcAdapter) restKlines(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	if market == types.MarketSpot {
		return p.restSpotKlines(ctx, symbol, interval, limit, endBefore)
	}

	// the contract API pages by time range only; derive the start from the
	// requested bar count.
	end := endBefore
	if end.IsZero() {
		end = time.Now()
	}
	start := end.Add(-time.Duration(limit) * interval.Duration())
	endpoint := fmt.Sprintf(
		"%s/api/v1/contract/kline/%s?interval=%s&start=%d&end=%d",
		p.restHosts[market], mexcSymbol(symbol, market), mexcIntervals[interval], start.Unix(), end.Unix(),
	)

	var columns MexcContractKlines
	if err := p.getContractData(ctx, endpoint, &columns); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(columns.Time))
	for i, ts := range columns.Time {
		if i >= len(columns.Open) || i >= len(columns.High) || i >= len(columns.Low) ||
			i >= len(columns.Close) || i >= len(columns.Vol) || i >= len(columns.Amount) {
			break
		}
		candles = append(candles, types.Candle{
			Time:     ts,
			Open:     columns.Open[i],
			High:     columns.High[i],
			Low:      columns.Low[i],
			Close:    columns.Close[i],
			Volume:   columns.Vol[i],
			Turnover: columns.Amount[i],
			Closed:   true,
		})
	}
	markLastOpen(candles, interval)
	return candles, nil
}

func (p *MexcAdapter) restSpotKlines(ctx context.Context, symbol string, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	endpoint := fmt.Sprintf(
		"%s/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		p.restHosts[types.MarketSpot], symbol, mexcSpotIntervals[interval], limit,
	)
	if !endBefore.IsZero() {
		endpoint += "&endTime=" + strconv.FormatInt(endBefore.UnixMilli(), 10)
	}

	// Binance-shaped rows: [openTimeMs, o, h, l, c, vol, closeTimeMs,
	// quoteVol], oldest first.
	var rows [][]interface{}
	if err := p.rest.getJSON(ctx, endpoint, &rows); err != nil {
		return nil, err
	}

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

// getContractData unwraps the contract API envelope.
func (p *MexcAdapter) getContractData(ctx context.Context, endpoint string, out interface{}) error {
	var resp MexcContractResponse
	if err := p.rest.getJSON(ctx, endpoint, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return types.NewUpstreamError(p.name, 0, fmt.Errorf("contract api code %d", resp.Code))
	}
	return json.Unmarshal(resp.Data, out)
}

// mexcSpotTickerPrice adjusts the Binance-shaped spot ticker: MEXC reports
// priceChangePercent as a fraction.
func mexcSpotTickerPrice(t BinanceTicker) types.TickerPrice {
	ticker := t.toTickerPrice()
	ticker.ChangePct24h *= 100
	return ticker
}

func (t MexcContractTicker) toTickerPrice() types.TickerPrice {
	return types.TickerPrice{
		Symbol:       types.Canonicalize(t.Symbol),
		Price:        t.LastPrice,
		High24h:      t.High24Price,
		Low24h:       t.Lower24Price,
		ChangePct24h: t.RiseFallRate * 100,
		QuoteVolume:  t.Amount24,
		Time:         t.Timestamp,
	}
}
