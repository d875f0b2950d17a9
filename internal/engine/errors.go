package engine

import "errors"

// All engine errors are terminal for the invocation: a failed operation
// leaves no observable state changes, emitted events, or value movements.
var (
	// ErrAccessDenied is returned when the caller lacks the required role
	// or identity match.
	ErrAccessDenied = errors.New("engine: access denied")

	// ErrAlreadyEditor is returned when adding an identity already in the
	// editor set.
	ErrAlreadyEditor = errors.New("engine: already an editor")

	// ErrNotEditor is returned when removing an identity absent from the
	// editor set.
	ErrNotEditor = errors.New("engine: not an editor")

	// ErrNotWhitelisted is returned when an operation references a
	// collection outside the whitelist.
	ErrNotWhitelisted = errors.New("engine: collection not whitelisted")

	// ErrNotInVault is returned when the vault holds no present record for
	// the key. "Never deposited" and "deposited then withdrawn" both
	// report this.
	ErrNotInVault = errors.New("engine: asset not in vault")

	// ErrNotListed is returned when no active listing exists for the key.
	ErrNotListed = errors.New("engine: asset not listed")

	// ErrNotInAuction is returned when no active auction exists for the key.
	ErrNotInAuction = errors.New("engine: asset not in auction")

	// ErrAlreadyListed is returned when an active listing already exists.
	ErrAlreadyListed = errors.New("engine: asset already listed")

	// ErrAlreadyInAuction is returned when an active auction already exists.
	ErrAlreadyInAuction = errors.New("engine: asset already in auction")

	// ErrInvalidPrice is returned for a non-positive price.
	ErrInvalidPrice = errors.New("engine: price must be positive")

	// ErrFeeTooHigh is returned for a fee rate above 10000 bps.
	ErrFeeTooHigh = errors.New("engine: fee exceeds 10000 bps")

	// ErrZeroMaxBids is returned for an auction with maxBids < 1.
	ErrZeroMaxBids = errors.New("engine: max bids must be positive")

	// ErrLengthMismatch is returned when batch argument arrays differ in
	// length.
	ErrLengthMismatch = errors.New("engine: batch array length mismatch")

	// ErrBatchTooLarge is returned when a batch exceeds the configured cap.
	ErrBatchTooLarge = errors.New("engine: batch exceeds size limit")

	// ErrInvalidBatchSize is returned when configuring a batch cap below 1.
	ErrInvalidBatchSize = errors.New("engine: batch size limit must be positive")

	// ErrInsufficientPayment is returned when the supplied value does not
	// cover the required amount.
	ErrInsufficientPayment = errors.New("engine: insufficient payment")

	// ErrBidTooLow is returned for a bid below the required minimum.
	ErrBidTooLow = errors.New("engine: bid below minimum")

	// ErrNotOwner is returned when the caller does not own the asset it is
	// trying to sell.
	ErrNotOwner = errors.New("engine: caller does not own asset")

	// ErrNotYourListing is returned when a non-seller cancels a user listing.
	ErrNotYourListing = errors.New("engine: not your listing")

	// ErrNotYourAuction is returned when a non-seller cancels a user auction.
	ErrNotYourAuction = errors.New("engine: not your auction")

	// ErrReentrantCall is returned when an operation is entered while an
	// external transfer or payment is still in flight.
	ErrReentrantCall = errors.New("engine: reentrant call")
)
