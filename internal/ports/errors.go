package ports

import "errors"

// Standard application-level errors.
// The broker adapter wraps venue/transport errors with these sentinels at
// the boundary; engine components classify with errors.Is and never inspect
// error text themselves.
var (
	// General errors
	ErrUnknown         = errors.New("unknown error occurred")
	ErrInvalidRequest  = errors.New("invalid request parameters or format")
	ErrTimeout         = errors.New("operation timed out")
	ErrContextCanceled = errors.New("operation canceled via context")

	// Transient broker errors (safe to retry)
	ErrExchangeUnavailable = errors.New("broker API is unavailable")
	ErrConnectionFailed    = errors.New("failed to connect to the broker")
	ErrRateLimited         = errors.New("API rate limit exceeded")

	// Permanent order errors (never retried)
	ErrInsufficientFunds    = errors.New("insufficient funds or buying power")
	ErrInvalidSymbol        = errors.New("invalid or unknown symbol")
	ErrMarketClosed         = errors.New("market is closed for the symbol")
	ErrAuthenticationFailed = errors.New("broker authentication failed")
	ErrPermissionDenied     = errors.New("permission denied for this operation")
	ErrAccountSuspended     = errors.New("trading account is suspended")
	ErrOrderNotFound        = errors.New("order not found at the broker")
	ErrPositionNotFound     = errors.New("position not found at the broker")

	// Database specific errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)
