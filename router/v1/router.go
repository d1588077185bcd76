package v1

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/config"
	"github.com/coinpulse/alertfeed/market"
	"github.com/coinpulse/alertfeed/market/exchange"
	"github.com/coinpulse/alertfeed/market/types"
	"github.com/coinpulse/alertfeed/push"
	"github.com/coinpulse/alertfeed/token"
)

const (
	// APIPathPrefix defines the v1 REST API path prefix.
	APIPathPrefix = "/api/v1"

	// StatusAvailable defines the health status of a reachable service.
	StatusAvailable = "available"
)

type (
	// Router defines the read-only market API, the connect-token endpoints,
	// and the push endpoint mount.
	Router struct {
		logger   zerolog.Logger
		cfg      config.Config
		registry *exchange.Registry
		resolver *market.Resolver
		hub      SessionCounter
		push     http.HandlerFunc
		auth     *push.Authenticator
		tokens   token.Store
	}

	// SessionCounter exposes the live push session count for health checks.
	SessionCounter interface {
		ClientCount() int
	}

	// HealthZResponse defines the response type for the healthz endpoint.
	HealthZResponse struct {
		Status       string `json:"status"`
		PushSessions int    `json:"pushSessions"`
	}

	// KlinesResponse defines the response type for the klines endpoint.
	KlinesResponse struct {
		Exchange types.ExchangeName `json:"exchange"`
		Symbol   string             `json:"symbol"`
		Interval types.Interval     `json:"interval"`
		Market   types.MarketType   `json:"exchangeType"`
		Klines   []types.Candle     `json:"klines"`
	}

	// PriceResponse defines the response type for the price endpoint.
	PriceResponse struct {
		Exchange types.ExchangeName `json:"exchange"`
		Symbol   string             `json:"symbol"`
		Price    float64            `json:"price"`
	}

	// SymbolsResponse defines the response type for the symbols endpoint.
	SymbolsResponse struct {
		Exchange types.ExchangeName `json:"exchange"`
		Market   types.MarketType   `json:"exchangeType"`
		Symbols  []string           `json:"symbols"`
	}

	// ErrResponse defines the attribute of an error response.
	ErrResponse struct {
		Error string `json:"error"`
	}
)

// New creates a new v1 Router.
func New(
	logger zerolog.Logger,
	cfg config.Config,
	registry *exchange.Registry,
	resolver *market.Resolver,
	hub SessionCounter,
	pushHandler http.HandlerFunc,
	auth *push.Authenticator,
	tokens token.Store,
) *Router {
	return &Router{
		logger:   logger.With().Str("module", "router").Logger(),
		cfg:      cfg,
		registry: registry,
		resolver: resolver,
		hub:      hub,
		push:     pushHandler,
		auth:     auth,
		tokens:   tokens,
	}
}

// OriginAllowed reports whether a browser origin may reach the API: the
// configured origins, localhost in any port, and vercel preview deployments.
func OriginAllowed(cfg config.Server, origin string) bool {
	for _, allowed := range cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	if strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1") {
		return true
	}
	return strings.HasSuffix(origin, ".vercel.app")
}

// RegisterRoutes register v1 API routes on the provided sub-router.
func (r *Router) RegisterRoutes(rtr *mux.Router, prefix string) {
	c := cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			return OriginAllowed(r.cfg.Server, origin)
		},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		Debug:          r.cfg.Server.VerboseCORS,
	})
	mChain := alice.New(c.Handler)

	v1Router := rtr.PathPrefix(prefix).Subrouter()
	v1Router.Handle(
		"/healthz",
		mChain.ThenFunc(r.healthzHandler()),
	).Methods(http.MethodGet)
	v1Router.Handle(
		"/klines",
		mChain.ThenFunc(r.klinesHandler()),
	).Methods(http.MethodGet)
	v1Router.Handle(
		"/price",
		mChain.ThenFunc(r.priceHandler()),
	).Methods(http.MethodGet)
	v1Router.Handle(
		"/symbols",
		mChain.ThenFunc(r.symbolsHandler()),
	).Methods(http.MethodGet)
	v1Router.Handle(
		"/metrics",
		mChain.Then(promhttp.Handler()),
	).Methods(http.MethodGet)

	r.registerConnectRoutes(v1Router, mChain)

	if r.push != nil {
		rtr.HandleFunc("/ws", r.push)
	}
}

func (r *Router) healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthZResponse{Status: StatusAvailable}
		if r.hub != nil {
			resp.PushSessions = r.hub.ClientCount()
		}
		writeOkResponse(w, resp)
	}
}

// streamParams pulls the (exchange, symbol, market) triple every market
// endpoint shares out of the query string.
func streamParams(req *http.Request) (types.ExchangeName, string, types.MarketType, error) {
	exchangeName, err := types.ParseExchangeName(req.URL.Query().Get("exchange"))
	if err != nil {
		return "", "", "", err
	}
	marketType, err := types.ParseMarketType(req.URL.Query().Get("exchangeType"))
	if err != nil {
		return "", "", "", err
	}
	symbol := types.Canonicalize(req.URL.Query().Get("symbol"))
	return exchangeName, symbol, marketType, nil
}

func (r *Router) klinesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		exchangeName, symbol, marketType, err := streamParams(req)
		if err != nil {
			writeErrResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		interval, err := types.ParseInterval(req.URL.Query().Get("interval"))
		if err != nil {
			writeErrResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

		var endBefore time.Time
		if raw := req.URL.Query().Get("endBefore"); raw != "" {
			sec, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeErrResponse(w, http.StatusBadRequest, "malformed endBefore")
				return
			}
			endBefore = time.Unix(sec, 0)
		}

		adapter, err := r.registry.Get(exchangeName)
		if err != nil {
			writeErrResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		klines, err := adapter.Klines(req.Context(), symbol, marketType, interval, limit, endBefore)
		if err != nil {
			status := http.StatusBadRequest
			if types.IsUpstreamUnavailable(err) {
				status = http.StatusBadGateway
			}
			writeErrResponse(w, status, err.Error())
			return
		}

		writeOkResponse(w, KlinesResponse{
			Exchange: exchangeName,
			Symbol:   symbol,
			Interval: interval,
			Market:   marketType,
			Klines:   klines,
		})
	}
}

func (r *Router) priceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		exchangeName, symbol, marketType, err := streamParams(req)
		if err != nil {
			writeErrResponse(w, http.StatusBadRequest, err.Error())
			return
		}

		result := r.resolver.Resolve(req.Context(), exchangeName, marketType, symbol)
		if !result.Resolved {
			status := http.StatusBadRequest
			if result.Reason == market.ReasonUpstreamUnavailable {
				status = http.StatusBadGateway
			}
			writeErrResponse(w, status, result.Reason)
			return
		}

		writeOkResponse(w, PriceResponse{
			Exchange: result.Source,
			Symbol:   result.Symbol,
			Price:    result.Price,
		})
	}
}

func (r *Router) symbolsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		exchangeName, err := types.ParseExchangeName(req.URL.Query().Get("exchange"))
		if err != nil {
			writeErrResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		marketType, err := types.ParseMarketType(req.URL.Query().Get("exchangeType"))
		if err != nil {
			writeErrResponse(w, http.StatusBadRequest, err.Error())
			return
		}

		adapter, err := r.registry.Get(exchangeName)
		if err != nil {
			writeErrResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		active, err := adapter.ActiveSymbols(req.Context(), marketType)
		if err != nil {
			writeErrResponse(w, http.StatusBadGateway, err.Error())
			return
		}

		symbols := make([]string, 0, len(active))
		for symbol := range active {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)

		writeOkResponse(w, SymbolsResponse{
			Exchange: exchangeName,
			Market:   marketType,
			Symbols:  symbols,
		})
	}
}

// writeOkResponse writes a JSON 200 response.
func writeOkResponse(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeErrResponse writes a JSON error response.
func writeErrResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrResponse{Error: message})
}
