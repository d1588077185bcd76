package v1

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"

	"github.com/coinpulse/alertfeed/push"
)

type (
	// ConnectTokenResponse defines the response type for token creation.
	ConnectTokenResponse struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
	}

	// ConsumeTokenRequest defines the consume request body.
	ConsumeTokenRequest struct {
		Token string `json:"token"`
	}

	// ConsumeTokenResponse defines the consume response; UserID is zero when
	// the token was unknown, expired, or already consumed.
	ConsumeTokenResponse struct {
		UserID   int64 `json:"userId"`
		Consumed bool  `json:"consumed"`
	}
)

// registerConnectRoutes mounts the external-service link token endpoints.
// Creation requires the caller's bearer credential; consumption is driven by
// the external service and presents only the token itself.
func (r *Router) registerConnectRoutes(v1Router *mux.Router, mChain alice.Chain) {
	if r.tokens == nil || r.auth == nil {
		return
	}

	v1Router.Handle(
		"/connect-token",
		mChain.ThenFunc(r.createConnectTokenHandler()),
	).Methods(http.MethodPost)
	v1Router.Handle(
		"/connect-token/consume",
		mChain.ThenFunc(r.consumeConnectTokenHandler()),
	).Methods(http.MethodPost)
}

func (r *Router) createConnectTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		userID, err := r.auth.UserID(req.Header.Get("Authorization"))
		if err != nil {
			writeErrResponse(w, http.StatusUnauthorized, push.ErrAuth.Error())
			return
		}

		created, err := r.tokens.CreateConnectToken(req.Context(), userID)
		if err != nil {
			r.logger.Err(err).Msg("failed to create connect token")
			writeErrResponse(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeOkResponse(w, ConnectTokenResponse{
			Token:     created.Token,
			ExpiresAt: created.ExpiresAt.Unix(),
		})
	}
}

func (r *Router) consumeConnectTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body ConsumeTokenRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Token == "" {
			writeErrResponse(w, http.StatusBadRequest, "malformed request")
			return
		}

		userID, ok, err := r.tokens.ConsumeConnectToken(req.Context(), body.Token)
		if err != nil {
			r.logger.Err(err).Msg("failed to consume connect token")
			writeErrResponse(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeOkResponse(w, ConsumeTokenResponse{UserID: userID, Consumed: ok})
	}
}
