package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUpstreamUnavailable(t *testing.T) {
	for _, status := range []int{0, 429, 451, 502, 503, 504} {
		err := NewUpstreamError(ExchangeBinance, status, errors.New("boom"))
		require.True(t, IsUpstreamUnavailable(err), "status %d", status)
	}

	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError} {
		err := NewUpstreamError(ExchangeBybit, status, errors.New("boom"))
		require.False(t, IsUpstreamUnavailable(err), "status %d", status)
	}

	require.False(t, IsUpstreamUnavailable(errors.New("plain")))
	require.False(t, IsUpstreamUnavailable(nil))

	// classification survives wrapping
	wrapped := fmt.Errorf("fetch tickers: %w", NewUpstreamError(ExchangeOkx, 503, errors.New("down")))
	require.True(t, IsUpstreamUnavailable(wrapped))
}
