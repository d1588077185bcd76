package exchange

import (
	"sync"
	"time"

	"github.com/coinpulse/alertfeed/market/types"
)

// streamKey identifies one upstream kline stream on a single venue.
type streamKey struct {
	symbol   string
	market   types.MarketType
	interval types.Interval
}

// priceStore is an embedded struct in each adapter that manages the in-memory
// snapshot of ticker prices, the cached active-symbols universe, and the
// per-stream subscription reference counts. It also tracks bar open times so
// adapters without a native bar-closed flag can synthesize one.
type priceStore struct {
	tickerMtx  sync.RWMutex
	tickers    map[types.MarketType]map[string]types.TickerPrice
	snapshotAt map[types.MarketType]time.Time

	activeMtx sync.RWMutex
	active    map[types.MarketType]map[string]struct{}
	activeAt  map[types.MarketType]time.Time

	streamMtx sync.Mutex
	streams   map[streamKey]int
	lastBar   map[streamKey]types.Candle
}

func newPriceStore() priceStore {
	return priceStore{
		tickers:    make(map[types.MarketType]map[string]types.TickerPrice),
		snapshotAt: make(map[types.MarketType]time.Time),
		active:     make(map[types.MarketType]map[string]struct{}),
		activeAt:   make(map[types.MarketType]time.Time),
		streams:    make(map[streamKey]int),
		lastBar:    make(map[streamKey]types.Candle),
	}
}

// setTickerSnapshot replaces the whole per-market snapshot after a bulk REST
// fetch and stamps its freshness.
func (ps *priceStore) setTickerSnapshot(market types.MarketType, tickers map[string]types.TickerPrice) {
	ps.tickerMtx.Lock()
	defer ps.tickerMtx.Unlock()

	ps.tickers[market] = tickers
	ps.snapshotAt[market] = time.Now()
}

// setTicker upserts a single ticker, used by websocket updates between bulk
// refreshes.
func (ps *priceStore) setTicker(market types.MarketType, ticker types.TickerPrice) {
	ps.tickerMtx.Lock()
	defer ps.tickerMtx.Unlock()

	bySymbol, ok := ps.tickers[market]
	if !ok {
		bySymbol = make(map[string]types.TickerPrice)
		ps.tickers[market] = bySymbol
	}
	bySymbol[ticker.Symbol] = ticker
}

// snapshotFresh reports whether the per-market snapshot is within the
// last-price TTL. A stale read under the TTL is acceptable.
func (ps *priceStore) snapshotFresh(market types.MarketType) bool {
	ps.tickerMtx.RLock()
	defer ps.tickerMtx.RUnlock()

	at, ok := ps.snapshotAt[market]
	return ok && time.Since(at) <= snapshotTTL
}

// ticker returns the snapshot entry for one canonical symbol.
func (ps *priceStore) ticker(market types.MarketType, symbol string) (types.TickerPrice, bool) {
	ps.tickerMtx.RLock()
	defer ps.tickerMtx.RUnlock()

	ticker, ok := ps.tickers[market][symbol]
	return ticker, ok
}

// pricesFor collects last prices for the requested canonical symbols from the
// current snapshot. Missing symbols are simply absent from the result.
func (ps *priceStore) pricesFor(market types.MarketType, symbols []string) map[string]float64 {
	ps.tickerMtx.RLock()
	defer ps.tickerMtx.RUnlock()

	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		if ticker, ok := ps.tickers[market][symbol]; ok && types.PositiveFinite(ticker.Price) {
			prices[symbol] = ticker.Price
		}
	}
	return prices
}

// setActiveSymbols caches the venue's tradable USDT-quoted universe.
func (ps *priceStore) setActiveSymbols(market types.MarketType, symbols map[string]struct{}) {
	ps.activeMtx.Lock()
	defer ps.activeMtx.Unlock()

	ps.active[market] = symbols
	ps.activeAt[market] = time.Now()
}

// activeSymbols returns the cached universe and whether it is still fresh.
func (ps *priceStore) activeSymbols(market types.MarketType) (map[string]struct{}, bool) {
	ps.activeMtx.RLock()
	defer ps.activeMtx.RUnlock()

	at, ok := ps.activeAt[market]
	if !ok || time.Since(at) > activeSymbolsTTL {
		return nil, false
	}
	return ps.active[market], true
}

// addStreamRef increments the reference count for a stream and reports
// whether this was the 0 -> 1 transition that requires an upstream subscribe.
func (ps *priceStore) addStreamRef(key streamKey) bool {
	ps.streamMtx.Lock()
	defer ps.streamMtx.Unlock()

	ps.streams[key]++
	return ps.streams[key] == 1
}

// dropStreamRef decrements the reference count and reports whether this was
// the 1 -> 0 transition that requires an upstream unsubscribe. Dropping an
// unknown stream is a no-op.
func (ps *priceStore) dropStreamRef(key streamKey) bool {
	ps.streamMtx.Lock()
	defer ps.streamMtx.Unlock()

	count, ok := ps.streams[key]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(ps.streams, key)
		delete(ps.lastBar, key)
		return true
	}
	ps.streams[key] = count - 1
	return false
}

// refCount returns the current reference count for a stream.
func (ps *priceStore) refCount(key streamKey) int {
	ps.streamMtx.Lock()
	defer ps.streamMtx.Unlock()
	return ps.streams[key]
}

// liveStreams returns every stream currently referenced, used to rebuild
// subscriptions after a reconnect.
func (ps *priceStore) liveStreams() []streamKey {
	ps.streamMtx.Lock()
	defer ps.streamMtx.Unlock()

	keys := make([]streamKey, 0, len(ps.streams))
	for key := range ps.streams {
		keys = append(keys, key)
	}
	return keys
}

// rotateBar records the latest bar observed on a stream and returns the bar
// it displaced, if any. Venues without a native bar-closed flag use this to
// emit closed=true exactly once per bar, with the displaced bar's final
// values.
func (ps *priceStore) rotateBar(key streamKey, candle types.Candle) (previous types.Candle, rotated bool) {
	ps.streamMtx.Lock()
	defer ps.streamMtx.Unlock()

	last, ok := ps.lastBar[key]
	if ok && candle.Time < last.Time {
		// late update for an already displaced bar, ignore
		return types.Candle{}, false
	}
	if ok && candle.Time == last.Time {
		ps.lastBar[key] = candle
		return types.Candle{}, false
	}
	ps.lastBar[key] = candle
	if !ok {
		return types.Candle{}, false
	}
	return last, true
}
