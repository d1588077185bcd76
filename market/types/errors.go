package types

import (
	"errors"
	"fmt"
)

// Market data errors.
var (
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrUnknownMarket   = errors.New("unknown market type")
	ErrUnknownInterval = errors.New("unsupported kline interval")

	ErrTickerNotFound  = errors.New("ticker price not found")
	ErrSymbolEmpty     = errors.New("symbol cannot be interpreted")
	ErrSymbolNotListed = errors.New("symbol not listed on venue")

	ErrWebsocketDial  = errors.New("error connecting to websocket")
	ErrWebsocketSend  = errors.New("error sending to websocket")
	ErrWebsocketRead  = errors.New("error reading from websocket")
	ErrWebsocketClose = errors.New("error closing websocket")
)

// UpstreamError reports that an exchange REST or websocket endpoint could not
// serve a request. StatusCode carries the advisory HTTP status when one was
// observed; zero means a network-class failure.
type UpstreamError struct {
	Exchange   ExchangeName
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s upstream unavailable (status %d): %v", e.Exchange, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s upstream unavailable: %v", e.Exchange, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError wraps an exchange transport failure with its advisory
// status code.
func NewUpstreamError(exchange ExchangeName, statusCode int, err error) *UpstreamError {
	return &UpstreamError{Exchange: exchange, StatusCode: statusCode, Err: err}
}

// IsUpstreamUnavailable reports whether err is an UpstreamError whose status
// classifies as a recoverable outage: rate limiting, legal block, gateway
// errors, or a plain network failure.
func IsUpstreamUnavailable(err error) bool {
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		return false
	}
	switch upstreamErr.StatusCode {
	case 0, 429, 451, 502, 503, 504:
		return true
	}
	return false
}
