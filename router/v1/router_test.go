package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/coinpulse/alertfeed/config"
	"github.com/coinpulse/alertfeed/market"
	"github.com/coinpulse/alertfeed/market/exchange"
	"github.com/coinpulse/alertfeed/push"
	"github.com/coinpulse/alertfeed/token"
)

const testJWTSecret = "router-test-secret"

type RouterTestSuite struct {
	suite.Suite
	mux    *mux.Router
	router *Router
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}

func (rts *RouterTestSuite) SetupSuite() {
	registry := exchange.NewRegistry()
	resolver := market.NewResolver(zerolog.Nop(), registry)

	rts.router = New(
		zerolog.Nop(),
		config.Config{},
		registry,
		resolver,
		nil,
		nil,
		push.NewAuthenticator(testJWTSecret),
		token.NewMemoryStore(),
	)
	rts.mux = mux.NewRouter()
	rts.router.RegisterRoutes(rts.mux, APIPathPrefix)
}

func (rts *RouterTestSuite) executeRequest(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	rts.mux.ServeHTTP(rr, req)
	return rr
}

func (rts *RouterTestSuite) TestHealthz() {
	req, err := http.NewRequest("GET", "/api/v1/healthz", nil)
	rts.Require().NoError(err)

	response := rts.executeRequest(req)
	rts.Require().Equal(http.StatusOK, response.Code)

	var result HealthZResponse
	rts.Require().NoError(json.Unmarshal(response.Body.Bytes(), &result))
	rts.Require().Equal(StatusAvailable, result.Status)
}

func (rts *RouterTestSuite) TestKlinesRejectsBadParams() {
	req, err := http.NewRequest("GET", "/api/v1/klines?exchange=nyse&symbol=BTCUSDT&interval=1m", nil)
	rts.Require().NoError(err)
	rts.Require().Equal(http.StatusBadRequest, rts.executeRequest(req).Code)

	req, err = http.NewRequest("GET", "/api/v1/klines?exchange=binance&symbol=BTCUSDT&interval=7m", nil)
	rts.Require().NoError(err)
	rts.Require().Equal(http.StatusBadRequest, rts.executeRequest(req).Code)

	req, err = http.NewRequest("GET", "/api/v1/klines?exchange=binance&symbol=BTCUSDT&interval=1m&endBefore=tomorrow", nil)
	rts.Require().NoError(err)
	rts.Require().Equal(http.StatusBadRequest, rts.executeRequest(req).Code)
}

func (rts *RouterTestSuite) TestPriceRejectsBadParams() {
	req, err := http.NewRequest("GET", "/api/v1/price?exchange=binance&exchangeType=margin&symbol=BTCUSDT", nil)
	rts.Require().NoError(err)
	rts.Require().Equal(http.StatusBadRequest, rts.executeRequest(req).Code)
}

func (rts *RouterTestSuite) TestMetrics() {
	req, err := http.NewRequest("GET", "/api/v1/metrics", nil)
	rts.Require().NoError(err)
	rts.Require().Equal(http.StatusOK, rts.executeRequest(req).Code)
}

func (rts *RouterTestSuite) TestConnectTokenRoundTrip() {
	claims := jwt.MapClaims{"userId": 42, "exp": time.Now().Add(time.Hour).Unix()}
	bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	rts.Require().NoError(err)

	req, err := http.NewRequest("POST", "/api/v1/connect-token", nil)
	rts.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer "+bearer)

	response := rts.executeRequest(req)
	rts.Require().Equal(http.StatusOK, response.Code)

	var created ConnectTokenResponse
	rts.Require().NoError(json.Unmarshal(response.Body.Bytes(), &created))
	rts.Require().NotEmpty(created.Token)

	body := fmt.Sprintf(`{"token":%q}`, created.Token)
	req, err = http.NewRequest("POST", "/api/v1/connect-token/consume", bytes.NewBufferString(body))
	rts.Require().NoError(err)

	response = rts.executeRequest(req)
	rts.Require().Equal(http.StatusOK, response.Code)

	var consumed ConsumeTokenResponse
	rts.Require().NoError(json.Unmarshal(response.Body.Bytes(), &consumed))
	rts.Require().True(consumed.Consumed)
	rts.Require().Equal(int64(42), consumed.UserID)

	// single use
	req, err = http.NewRequest("POST", "/api/v1/connect-token/consume", bytes.NewBufferString(body))
	rts.Require().NoError(err)
	response = rts.executeRequest(req)
	rts.Require().Equal(http.StatusOK, response.Code)
	rts.Require().NoError(json.Unmarshal(response.Body.Bytes(), &consumed))
	rts.Require().False(consumed.Consumed)
}

func (rts *RouterTestSuite) TestConnectTokenRequiresAuth() {
	req, err := http.NewRequest("POST", "/api/v1/connect-token", nil)
	rts.Require().NoError(err)
	rts.Require().Equal(http.StatusUnauthorized, rts.executeRequest(req).Code)
}

func TestOriginAllowed(t *testing.T) {
	cfg := config.Server{AllowedOrigins: []string{"https://app.coinpulse.io"}}

	for _, origin := range []string{
		"https://app.coinpulse.io",
		"http://localhost:3000",
		"http://127.0.0.1:8081",
		"https://preview-abc123.vercel.app",
	} {
		if !OriginAllowed(cfg, origin) {
			t.Errorf("expected origin %s to be allowed", origin)
		}
	}

	for _, origin := range []string{
		"https://evil.example.com",
		"http://vercel.app.evil.com",
	} {
		if OriginAllowed(cfg, origin) {
			t.Errorf("expected origin %s to be rejected", origin)
		}
	}
}
