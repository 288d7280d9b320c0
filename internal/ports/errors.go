package ports

import "errors"

// Sentinel errors shared across layers. Adapters wrap the underlying cause with one of these
// so callers can branch with errors.Is without knowing the transport.
var (
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")
)

// Exchange errors.
var (
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimitExceeded    = errors.New("API rate limit exceeded after retries")
	ErrOperationFailed      = errors.New("exchange operation failed after retries")
	ErrNonRetryable         = errors.New("exchange rejected the request")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidResponse      = errors.New("unexpected exchange response shape")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrDuplicateIdentifier  = errors.New("order identifier already used")
	ErrBelowMinimumOrder    = errors.New("order amount below exchange minimum")
)

// Execution and safety errors.
var (
	ErrBusy          = errors.New("another order of the same side is in flight")
	ErrCooldown      = errors.New("minimum spacing between orders not elapsed")
	ErrFillTimeout   = errors.New("order did not reach a terminal state in time")
	ErrOrderCanceled = errors.New("order canceled without any fill")
	ErrEmergencyStop = errors.New("trading halted by emergency stop")
	ErrRiskLimit     = errors.New("daily risk limit reached")
	ErrLockHeld      = errors.New("instance lock held by another process")
	ErrDesync        = errors.New("local position unconfirmed, waiting for reconciliation")
)

// Persistence errors.
var (
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrStateCorrupt = errors.New("state file corrupt")
)
