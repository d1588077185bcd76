package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market/types"
)

const (
	defaultKlineLimit = 500
	maxKlineLimit     = 1000
)

// baseAdapter carries the venue-independent half of the adapter contract:
// snapshot caching, kline caching and resampling, stream reference counting,
// and candle emission. Venue files plug in REST fetchers, websocket framing
// and symbol translation.
type baseAdapter struct {
	name   types.ExchangeName
	logger zerolog.Logger
	sink   CandleSink
	rest   *restClient
	wsc    map[types.MarketType]*WebsocketController
	sub    *subBarBuilder

	priceStore

	// fetchTickers loads the full per-market ticker map keyed by canonical
	// symbol.
	fetchTickers func(ctx context.Context, market types.MarketType) (map[string]types.TickerPrice, error)

	// fetchTicker loads a single-symbol ticker, the cheap resolver path.
	fetchTicker func(ctx context.Context, symbol string, market types.MarketType) (types.TickerPrice, error)

	// fetchKlines loads native-interval bars oldest-first. Never called with
	// a sub-minute interval.
	fetchKlines func(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error)

	// subscribeMsg / unsubscribeMsg build the venue frames for one upstream
	// stream.
	subscribeMsg   func(key streamKey) interface{}
	unsubscribeMsg func(key streamKey) interface{}

	// confirmID names the subscription for the confirmation watchdog; nil
	// disables the watchdog for venues without subscribe acks.
	confirmID func(key streamKey) string
}

func newBaseAdapter(name types.ExchangeName, logger zerolog.Logger, sink CandleSink) baseAdapter {
	adapterLogger := logger.With().Str("exchange", string(name)).Logger()
	return baseAdapter{
		name:       name,
		logger:     adapterLogger,
		sink:       sink,
		rest:       newRestClient(name, adapterLogger),
		wsc:        make(map[types.MarketType]*WebsocketController),
		sub:        newSubBarBuilder(),
		priceStore: newPriceStore(),
	}
}

// Name returns the venue identifier.
func (b *baseAdapter) Name() types.ExchangeName {
	return b.name
}

// Normalize rewrites a venue or user symbol form into the canonical key.
func (b *baseAdapter) Normalize(symbol string) string {
	return types.Canonicalize(symbol)
}

// TickerPrice fetches a single-symbol ticker and feeds it into the snapshot.
func (b *baseAdapter) TickerPrice(ctx context.Context, symbol string, market types.MarketType) (types.TickerPrice, error) {
	symbol = types.Canonicalize(symbol)
	if symbol == "" {
		return types.TickerPrice{}, types.ErrSymbolEmpty
	}

	ticker, err := b.fetchTicker(ctx, symbol, market)
	if err != nil {
		return types.TickerPrice{}, err
	}
	if !types.PositiveFinite(ticker.Price) {
		return types.TickerPrice{}, fmt.Errorf("%w: %s %s", types.ErrTickerNotFound, b.name, symbol)
	}
	b.setTicker(market, ticker)
	return ticker, nil
}

// LastPrices returns canonicalSymbol -> last price, refreshing the snapshot
// when it has gone stale. In strict mode an unavailable upstream propagates
// as a typed error; otherwise whatever the snapshot still holds is returned
// best-effort.
func (b *baseAdapter) LastPrices(ctx context.Context, symbols []string, market types.MarketType, strict bool) (map[string]float64, error) {
	if !b.snapshotFresh(market) {
		tickers, err := b.fetchTickers(ctx, market)
		if err != nil {
			if strict {
				return nil, err
			}
			b.logger.Warn().Err(err).Msg("serving stale price snapshot")
		} else {
			b.setTickerSnapshot(market, tickers)
		}
	}

	canonical := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if c := types.Canonicalize(s); c != "" {
			canonical = append(canonical, c)
		}
	}
	return b.pricesFor(market, canonical), nil
}

// ActiveSymbols returns the cached set of USDT-quoted instruments currently
// traded on the venue, refreshing from the bulk ticker endpoint on expiry.
func (b *baseAdapter) ActiveSymbols(ctx context.Context, market types.MarketType) (map[string]struct{}, error) {
	if cached, ok := b.activeSymbols(market); ok {
		return cached, nil
	}

	tickers, err := b.fetchTickers(ctx, market)
	if err != nil {
		return nil, err
	}
	b.setTickerSnapshot(market, tickers)

	active := make(map[string]struct{}, len(tickers))
	for symbol := range tickers {
		if strings.HasSuffix(symbol, "USDT") {
			active[symbol] = struct{}{}
		}
	}
	b.setActiveSymbols(market, active)
	return active, nil
}

// Klines returns up to limit bars oldest-first, synthesizing sub-minute
// intervals from 1m bars.
func (b *baseAdapter) Klines(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	symbol = types.Canonicalize(symbol)
	if symbol == "" {
		return nil, types.ErrSymbolEmpty
	}
	if limit <= 0 {
		limit = defaultKlineLimit
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	if interval.SubMinute() {
		perMinute := interval.BarsPerMinute()
		sourceLimit := (limit + perMinute - 1) / perMinute
		source, err := b.klinesCached(ctx, symbol, market, types.Interval1m, sourceLimit, endBefore)
		if err != nil {
			return nil, err
		}
		return ResampleSeries(source, interval, limit), nil
	}

	return b.klinesCached(ctx, symbol, market, interval, limit, endBefore)
}

func (b *baseAdapter) klinesCached(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error) {
	cacheKey := fmt.Sprintf("%s|%s|%s|%d|%d", symbol, market, interval, limit, endBefore.Unix())
	if candles, ok := b.rest.cachedKlines(cacheKey); ok {
		return candles, nil
	}

	candles, err := b.fetchKlines(ctx, symbol, market, interval, limit, endBefore)
	if err != nil {
		return nil, err
	}
	b.rest.storeKlines(cacheKey, candles)
	return candles, nil
}

// upstreamKey maps a requested stream to the venue stream actually
// subscribed; sub-minute intervals ride the 1m stream.
func (b *baseAdapter) upstreamKey(key streamKey) streamKey {
	if key.interval.SubMinute() {
		key.interval = types.Interval1m
	}
	return key
}

// SubscribeKline adds a reference to the stream and dials the venue
// subscription on the 0 -> 1 transition. The websocket send is best-effort:
// the reference count is the source of truth and every (re)connect replays
// the currently referenced streams.
func (b *baseAdapter) SubscribeKline(symbol string, market types.MarketType, interval types.Interval) error {
	symbol = types.Canonicalize(symbol)
	if symbol == "" {
		return types.ErrSymbolEmpty
	}

	// soft pre-check against the cached universe; a cold cache never blocks
	// a subscribe with a REST round trip
	if active, ok := b.activeSymbols(market); ok {
		if _, listed := active[symbol]; !listed {
			return fmt.Errorf("%w: %s %s", types.ErrSymbolNotListed, b.name, symbol)
		}
	}

	reqKey := streamKey{symbol: symbol, market: market, interval: interval}
	if !b.addStreamRef(reqKey) {
		return nil
	}

	upKey := b.upstreamKey(reqKey)
	if upKey != reqKey && !b.addStreamRef(upKey) {
		// upstream 1m stream already live for another consumer
		return nil
	}

	telemetryWebsocketSubscribe(b.name)
	wsc, ok := b.wsc[market]
	if !ok {
		b.dropStreamRef(reqKey)
		if upKey != reqKey {
			b.dropStreamRef(upKey)
		}
		return fmt.Errorf("%w: %s has no %s websocket", types.ErrUnknownMarket, b.name, market)
	}

	if err := wsc.SendJSON(b.subscribeMsg(upKey)); err != nil {
		b.logger.Debug().Err(err).Str("symbol", symbol).Msg("subscribe deferred until connect")
		return nil
	}
	if b.confirmID != nil {
		wsc.ExpectConfirmation(b.confirmID(upKey))
	}
	return nil
}

// UnsubscribeKline drops a reference and tears the venue subscription down
// on the 1 -> 0 transition. Unknown streams are no-ops.
func (b *baseAdapter) UnsubscribeKline(symbol string, market types.MarketType, interval types.Interval) error {
	symbol = types.Canonicalize(symbol)
	if symbol == "" {
		return types.ErrSymbolEmpty
	}

	reqKey := streamKey{symbol: symbol, market: market, interval: interval}
	if !b.dropStreamRef(reqKey) {
		return nil
	}
	b.sub.drop(reqKey)

	upKey := b.upstreamKey(reqKey)
	if upKey != reqKey && !b.dropStreamRef(upKey) {
		return nil
	}

	wsc, ok := b.wsc[market]
	if !ok {
		return nil
	}
	if err := wsc.SendJSON(b.unsubscribeMsg(upKey)); err != nil {
		b.logger.Debug().Err(err).Str("symbol", symbol).Msg("unsubscribe skipped, no connection")
	}
	return nil
}

// subscriptionMsgsFor rebuilds the subscribe frames for every live upstream
// stream of one market, used by the controller on (re)connect.
func (b *baseAdapter) subscriptionMsgsFor(market types.MarketType) []interface{} {
	seen := make(map[streamKey]struct{})
	msgs := make([]interface{}, 0)
	for _, key := range b.liveStreams() {
		if key.market != market {
			continue
		}
		upKey := b.upstreamKey(key)
		if _, ok := seen[upKey]; ok {
			continue
		}
		seen[upKey] = struct{}{}
		msgs = append(msgs, b.subscribeMsg(upKey))
	}
	return msgs
}

// emitCandle pushes a decoded upstream candle to the sink under its native
// interval and synthesizes any referenced sub-minute streams riding it.
func (b *baseAdapter) emitCandle(symbol string, market types.MarketType, interval types.Interval, candle types.Candle) {
	telemetryWebsocketMessage(b.name, MessageTypeCandle)
	if !candle.Valid() {
		b.logger.Warn().Str("symbol", symbol).Msg("discarding malformed candle")
		return
	}

	b.sink(b.name, symbol, interval, market, candle)

	if interval != types.Interval1m {
		return
	}
	for _, sub := range []types.Interval{types.Interval1s, types.Interval5s, types.Interval15s} {
		key := streamKey{symbol: symbol, market: market, interval: sub}
		if b.refCount(key) == 0 {
			continue
		}
		for _, synthesized := range b.sub.feed(key, candle, time.Now()) {
			b.sink(b.name, symbol, sub, market, synthesized)
		}
	}
}

// emitCandleSynthClosed emits a candle for venues whose stream carries no
// bar-closed flag. When a strictly newer bar displaces the tracked one, the
// displaced bar is re-emitted once with its final values and closed set.
func (b *baseAdapter) emitCandleSynthClosed(symbol string, market types.MarketType, interval types.Interval, candle types.Candle) {
	key := streamKey{symbol: symbol, market: market, interval: interval}
	if previous, rotated := b.rotateBar(key, candle); rotated {
		previous.Closed = true
		b.emitCandle(symbol, market, interval, previous)
	}
	b.emitCandle(symbol, market, interval, candle)
}

// StartConnections starts the websocket connections.
func (b *baseAdapter) StartConnections() {
	for _, wsc := range b.wsc {
		wsc.StartConnections()
	}
}

// Close tears down the websocket connections.
func (b *baseAdapter) Close() {
	for _, wsc := range b.wsc {
		wsc.Close()
	}
}
