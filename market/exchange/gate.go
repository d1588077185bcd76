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
	gateRestHost      = "https://api.gateio.ws"
	gateSpotWSHost    = "api.gateio.ws"
	gateSpotWSPath    = "/ws/v4/"
	gateFuturesWSHost = "fx-ws.gateio.ws"
	gateFuturesWSPath = "/v4/ws/usdt"

	gatePingDuration = 15 * time.Second
)

var _ Adapter = (*GateAdapter)(nil)

type (
	// GateAdapter speaks the Gate.io v4 public API; futures map to the USDT
	// settled perpetual contracts. Gate candle updates carry no reliable
	// bar-closed flag, so the adapter synthesizes one from bar open-time
	// rotation.
	//
	// REF: https://www.gate.io/docs/developers/apiv4/ws/en/#candlesticks-channel
	GateAdapter struct {
		baseAdapter

		restHost string
	}

	// GateSpotTicker is one entry of /api/v4/spot/tickers.
	GateSpotTicker struct {
		CurrencyPair     string `json:"currency_pair"` // ex.: BTC_USDT
		Last             string `json:"last"`
		High24h          string `json:"high_24h"`
		Low24h           string `json:"low_24h"`
		ChangePercentage string `json:"change_percentage"`
		QuoteVolume      string `json:"quote_volume"`
	}

	// GateFuturesTicker is one entry of /api/v4/futures/usdt/tickers.
	GateFuturesTicker struct {
		Contract         string `json:"contract"` // ex.: BTC_USDT
		Last             string `json:"last"`
		High24h          string `json:"high_24h"`
		Low24h           string `json:"low_24h"`
		ChangePercentage string `json:"change_percentage"`
		Volume24hQuote   string `json:"volume_24h_quote"`
	}

	// GateFuturesCandle is one row of /api/v4/futures/usdt/candlesticks and
	// of the futures websocket update.
	GateFuturesCandle struct {
		T   int64   `json:"t"`
		V   float64 `json:"v"`
		C   string  `json:"c"`
		H   string  `json:"h"`
		L   string  `json:"l"`
		O   string  `json:"o"`
		Sum string  `json:"sum"`
		N   string  `json:"n"` // ex.: 1m_BTC_USDT, websocket only
	}

	// GateSpotWSCandle is the spot websocket candle update result.
	GateSpotWSCandle struct {
		T string `json:"t"`
		V string `json:"v"`
		C string `json:"c"`
		H string `json:"h"`
		L string `json:"l"`
		O string `json:"o"`
		N string `json:"n"` // ex.: 1m_BTC_USDT
	}

	// GateWSFrame is the common websocket envelope.
	GateWSFrame struct {
		Time    int64           `json:"time,omitempty"`
		Channel string          `json:"channel"`
		Event   string          `json:"event,omitempty"`
		Payload []string        `json:"payload,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   json.RawMessage `json:"error,omitempty"`
	}
)

// NewGateAdapter creates a Gate adapter wired to sink.
func NewGateAdapter(
	ctx context.Context,
	logger zerolog.Logger,
	sink CandleSink,
	endpoints map[types.MarketType]Endpoint,
) *GateAdapter {
	p := &GateAdapter{
		baseAdapter: newBaseAdapter(types.ExchangeGate, logger, sink),
		restHost:    gateRestHost,
	}

	wsURLs := map[types.MarketType]url.URL{
		types.MarketFutures: {Scheme: "wss", Host: gateFuturesWSHost, Path: gateFuturesWSPath},
		types.MarketSpot:    {Scheme: "wss", Host: gateSpotWSHost, Path: gateSpotWSPath},
	}
	for market, endpoint := range endpoints {
		if endpoint.Rest != "" {
			p.restHost = endpoint.Rest
		}
		if endpoint.Websocket != "" {
			u := wsURLs[market]
			u.Host = endpoint.Websocket
			wsURLs[market] = u
		}
	}

	for market, wsURL := range wsURLs {
		m := market
		pingMsg, _ := json.Marshal(GateWSFrame{Channel: gateChannelPrefix(m) + ".ping"})
		p.wsc[m] = NewWebsocketController(
			ctx,
			types.ExchangeGate,
			wsURL,
			func() []interface{} { return p.subscriptionMsgsFor(m) },
			func(messageType int, bz []byte) { p.messageReceived(m, messageType, bz) },
			gatePingDuration,
			pingMsg,
			websocket.TextMessage,
			p.logger,
		)
	}

	p.fetchTickers = p.restTickers
	p.fetchTicker = p.restTicker
	p.fetchKlines = p.restKlines
	p.subscribeMsg = func(key streamKey) interface{} { return p.wsEvent("subscribe", key) }
	p.unsubscribeMsg = func(key streamKey) interface{} { return p.wsEvent("unsubscribe", key) }

	return p
}

// gatePair returns the venue pair form, ex.: "BTC_USDT".
func gatePair(symbol string, _ types.MarketType) string {
	base, quote := types.SplitQuote(symbol)
	if quote == "" {
		return symbol
	}
	return base + "_" + quote
}

func gateChannelPrefix(market types.MarketType) string {
	if market == types.MarketSpot {
		return "spot"
	}
	return "futures"
}

func (p *GateAdapter) wsEvent(event string, key streamKey) GateWSFrame {
	return GateWSFrame{
		Time:    time.Now().Unix(),
		Channel: gateChannelPrefix(key.market) + ".candlesticks",
		Event:   event,
		Payload: []string{key.interval.String(), gatePair(key.symbol, key.market)},
	}
}

func (p *GateAdapter) messageReceived(market types.MarketType, _ int, bz []byte) {
	var frame GateWSFrame
	if err := json.Unmarshal(bz, &frame); err != nil {
		p.logger.Debug().Int("length", len(bz)).Err(err).Msg("unhandled websocket message")
		return
	}

	if frame.Error != nil {
		p.logger.Error().RawJSON("error", frame.Error).Str("channel", frame.Channel).Msg("websocket error event")
		return
	}
	if frame.Event != "update" || !strings.HasSuffix(frame.Channel, ".candlesticks") {
		return
	}

	if market == types.MarketSpot {
		p.handleSpotCandle(frame.Result)
		return
	}
	p.handleFuturesCandles(frame.Result)
}

func (p *GateAdapter) handleSpotCandle(result json.RawMessage) {
	var c GateSpotWSCandle
	if err := json.Unmarshal(result, &c); err != nil {
		p.logger.Debug().Err(err).Msg("failed to decode spot candle")
		return
	}

	symbol, interval, ok := gateSplitStreamName(c.N)
	if !ok {
		return
	}
	ts, err := strconv.ParseInt(c.T, 10, 64)
	if err != nil {
		return
	}
	p.emitCandleSynthClosed(symbol, types.MarketSpot, interval, types.Candle{
		Time:     ts,
		Open:     parseFloat(c.O),
		High:     parseFloat(c.H),
		Low:      parseFloat(c.L),
		Close:    parseFloat(c.C),
		Turnover: parseFloat(c.V),
	})
}

func (p *GateAdapter) handleFuturesCandles(result json.RawMessage) {
	var rows []GateFuturesCandle
	if err := json.Unmarshal(result, &rows); err != nil {
		p.logger.Debug().Err(err).Msg("failed to decode futures candles")
		return
	}

	for _, c := range rows {
		symbol, interval, ok := gateSplitStreamName(c.N)
		if !ok {
			continue
		}
		p.emitCandleSynthClosed(symbol, types.MarketFutures, interval, types.Candle{
			Time:     c.T,
			Open:     parseFloat(c.O),
			High:     parseFloat(c.H),
			Low:      parseFloat(c.L),
			Close:    parseFloat(c.C),
			Volume:   c.V,
			Turnover: parseFloat(c.Sum),
		})
	}
}

// gateSplitStreamName splits "1m_BTC_USDT" into its canonical symbol and
// interval.
func gateSplitStreamName(n string) (string, types.Interval, bool) {
	parts := strings.SplitN(n, "_", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	interval, err := types.ParseInterval(parts[0])
	if err != nil {
		return "", "", false
	}
	return types.Canonicalize(parts[1]), interval, true
}

func (p *GateAdapter) restTickers(ctx context.Context, market types.MarketType) (map[string]types.TickerPrice, error) {
	if market == types.MarketSpot {
		var entries []GateSpotTicker
		if err := p.rest.getJSON(ctx, p.restHost+"/api/v4/spot/tickers", &entries); err != nil {
			return nil, err
		}
		tickers := make(map[string]types.TickerPrice, len(entries))
		for _, entry := range entries {
			ticker := entry.toTickerPrice()
			tickers[ticker.Symbol] = ticker
		}
		return tickers, nil
	}

	var entries []GateFuturesTicker
	if err := p.rest.getJSON(ctx, p.restHost+"/api/v4/futures/usdt/tickers", &entries); err != nil {
		return nil, err
	}
	tickers := make(map[string]types.TickerPrice, len(entries))
	for _, entry := range entries {
		ticker := entry.toTickerPrice()
		tickers[ticker.Symbol] = ticker
	}
	return tickers, nil
}

func (p *GateAdapter) restTicker(ctx context.Context, symbol string, market types.MarketType) (types.TickerPrice, error) {
	if market == types.MarketSpot {
		endpoint := fmt.Sprintf("%s/api/v4/spot/tickers?currency_pair=%s", p.restHost, gatePair(symbol, market))
		var entries []GateSpotTicker
		if err := p.rest.getJSON(ctx, endpoint, &entries); err != nil {
			return types.TickerPrice{}, err
		}
		if len(entries) == 0 {
			return types.TickerPrice{}, fmt.Errorf("%w: %s %s", types.ErrTickerNotFound, p.name, symbol)
		}
		return entries[0].toTickerPrice(), nil
	}

	endpoint := fmt.Sprintf("%s/api/v4/futures/usdt/tickers?contract=%s", p.restHost, gatePair(symbol, market))
	var entries []GateFuturesTicker
	if err := p.rest.getJSON(ctx, endpoint, &entries); err != nil {
		return types.TickerPrice{}, err
	}
	if len(entries) == 0 {
		return types.TickerPrice{}, fmt.Errorf("%w: %s %s", types.ErrTickerNotFound, p.name, symbol)
	}
	return entries[0].toTickerPrice(), nil
}

func (p *GateAdapter) restKlines(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	if market == types.MarketSpot {
		return p.restSpotKlines(ctx, symbol, interval, limit, endBefore)
	}

	endpoint := fmt.Sprintf(
		"%s/api/v4/futures/usdt/candlesticks?contract=%s&interval=%s&limit=%d",
		p.restHost, gatePair(symbol, market), interval, limit,
	)
	if !endBefore.IsZero() {
		endpoint += "&to=" + strconv.FormatInt(endBefore.Unix(), 10)
	}

	var rows []GateFuturesCandle
	if err := p.rest.getJSON(ctx, endpoint, &rows); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, c := range rows {
		candles = append(candles, types.Candle{
			Time:     c.T,
			Open:     parseFloat(c.O),
			High:     parseFloat(c.H),
			Low:      parseFloat(c.L),
			Close:    parseFloat(c.C),
			Volume:   c.V,
			Turnover: parseFloat(c.Sum),
			Closed:   true,
		})
	}
	markLastOpen(candles, interval)
	return candles, nil
}

func (p *GateAdapter) restSpotKlines(ctx context.Context, symbol string, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	endpoint := fmt.Sprintf(
		"%s/api/v4/spot/candlesticks?currency_pair=%s&interval=%s&limit=%d",
		p.restHost, gatePair(symbol, types.MarketSpot), interval, limit,
	)
	if !endBefore.IsZero() {
		endpoint += "&to=" + strconv.FormatInt(endBefore.Unix(), 10)
	}

	// rows are [ts, quoteVolume, close, high, low, open, baseVolume, closed],
	// oldest first.
	var rows [][]string
	if err := p.rest.getJSON(ctx, endpoint, &rows); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		candles = append(candles, types.Candle{
			Time:     int64(parseFloat(row[0])),
			Open:     parseFloat(row[5]),
			High:     parseFloat(row[3]),
			Low:      parseFloat(row[4]),
			Close:    parseFloat(row[2]),
			Volume:   parseFloat(row[6]),
			Turnover: parseFloat(row[1]),
			Closed:   true,
		})
	}
	markLastOpen(candles, interval)
	return candles, nil
}

func (t GateSpotTicker) toTickerPrice() types.TickerPrice {
	return types.TickerPrice{
		Symbol:       types.Canonicalize(t.CurrencyPair),
		Price:        parseFloat(t.Last),
		High24h:      parseFloat(t.High24h),
		Low24h:       parseFloat(t.Low24h),
		ChangePct24h: parseFloat(t.ChangePercentage),
		QuoteVolume:  parseFloat(t.QuoteVolume),
	}
}

func (t GateFuturesTicker) toTickerPrice() types.TickerPrice {
	return types.TickerPrice{
		Symbol:       types.Canonicalize(t.Contract),
		Price:        parseFloat(t.Last),
		High24h:      parseFloat(t.High24h),
		Low24h:       parseFloat(t.Low24h),
		ChangePct24h: parseFloat(t.ChangePercentage),
		QuoteVolume:  parseFloat(t.Volume24hQuote),
	}
}
