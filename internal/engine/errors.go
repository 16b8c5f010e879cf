package engine

import "errors"

// Every failure surfaces synchronously to the caller of the failing
// operation; nothing is retried internally. Expiry purging is the only
// automatic transition, and a purged order still requires an explicit
// re-commit from the caller.
var (
	// ErrUnauthorized is returned when the caller lacks the required
	// capability on the account.
	ErrUnauthorized = errors.New("engine: caller lacks permission on account")

	// ErrInvalidAccount is returned for an unregistered account id.
	ErrInvalidAccount = errors.New("engine: unknown account")

	// ErrInvalidMarket is returned for an unknown market id.
	ErrInvalidMarket = errors.New("engine: unknown market")

	// ErrInvalidStrategy is returned for a settlement strategy id the market
	// does not configure.
	ErrInvalidStrategy = errors.New("engine: unknown settlement strategy")

	// ErrZeroSizeDelta is returned for an order with no size.
	ErrZeroSizeDelta = errors.New("engine: size delta must be non-zero")

	// ErrInsufficientMargin is returned when available margin cannot cover
	// the order's initial margin requirement at commit time.
	ErrInsufficientMargin = errors.New("engine: insufficient margin for order")

	// ErrMarginBelowInitialRequirement is returned when a withdrawal would
	// leave available margin below the initial requirement.
	ErrMarginBelowInitialRequirement = errors.New("engine: withdrawal would breach initial margin")

	// ErrInsufficientMarginAtSettlement is returned when the margin re-check
	// at the settlement price fails; the order is voided, never partially
	// filled.
	ErrInsufficientMarginAtSettlement = errors.New("engine: insufficient margin at settlement")

	// ErrInsufficientCollateral is returned when a collateral balance would
	// go negative.
	ErrInsufficientCollateral = errors.New("engine: insufficient collateral")

	// ErrUnknownCollateral is returned when a collateral type has no oracle
	// price. Deposits are rejected up front; an unpriced balance would make
	// every margin read for the account fail.
	ErrUnknownCollateral = errors.New("engine: collateral type has no oracle price")

	// ErrPendingOrderExists is returned when the pair already has a live
	// committed order. Commit is hard-fail, not cancel-and-replace.
	ErrPendingOrderExists = errors.New("engine: pending order already exists for account and market")

	// ErrNoPendingOrder is returned when settlement or cancellation targets
	// a pair with no committed order.
	ErrNoPendingOrder = errors.New("engine: no pending order for account and market")

	// ErrSettlementWindowNotElapsed is returned when settle is called before
	// the strategy delay has passed.
	ErrSettlementWindowNotElapsed = errors.New("engine: settlement window not yet open")

	// ErrSettlementWindowExpired is returned when settle or cancel touches
	// an order whose settlement window has closed. The order is purged and
	// its reserved reward refunded.
	ErrSettlementWindowExpired = errors.New("engine: settlement window expired")

	// ErrPriceDeviationExceeded is returned when the fill price lands beyond
	// the order's acceptable price. The order stays committed until the
	// window expires.
	ErrPriceDeviationExceeded = errors.New("engine: fill price beyond acceptable price")

	// ErrCancellationNotAllowed is returned when the strategy forbids
	// cancelling a live order.
	ErrCancellationNotAllowed = errors.New("engine: strategy does not allow cancellation")
)
