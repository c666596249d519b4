package ccidserial

import "errors"

// Sentinel errors returned by the core. Protocol-level failures latch the
// driver invalid; card warnings do not.
var (
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrInsufficientBuffer = errors.New("receive buffer too small")
	ErrNoMemory           = errors.New("payload exceeds maximum length")
	ErrTimeout            = errors.New("timed out waiting for a response")
	ErrWaitedTooLong      = errors.New("time-extension budget exceeded")
	ErrCommunication      = errors.New("communication error")
	ErrInternal           = errors.New("internal error")
	ErrUnexpected         = errors.New("unexpected response")
	ErrReaderUnsupported  = errors.New("reader does not support this operation")
	ErrDriverInvalid      = errors.New("driver is not in a valid state")

	// Card warnings. These are never fatal: the driver stays valid and the
	// caller is expected to retry the operation once the card state settles.
	ErrUnsupportedCard  = errors.New("card protocol is not supported")
	ErrUnresponsiveCard = errors.New("card did not respond")
	ErrRemovedCard      = errors.New("card was removed")
	ErrUnpoweredCard    = errors.New("card is not powered")
	ErrResetCard        = errors.New("card was reset")
	ErrInsertedCard     = errors.New("card was inserted")

	// Card warnings that no operation in this package currently produces,
	// but which belong to the same non-fatal class and are exported for
	// callers layering their own card protocol on top of Transmit.
	ErrNoSmartcard      = errors.New("no smart card in the requested slot")
	ErrSharingViolation = errors.New("slot is exclusively held by another session")
	ErrProtoMismatch    = errors.New("requested protocol does not match the card")
	ErrUnknownCard      = errors.New("card ATR could not be recognised")
	ErrInvalidATR       = errors.New("card returned a malformed ATR")
)

// nonFatal is the set of outcomes that leave the driver valid: success
// plus every card warning; everything else latches it invalid.
var nonFatal = map[error]struct{}{
	nil:                 {},
	ErrUnsupportedCard:  {},
	ErrUnresponsiveCard: {},
	ErrUnpoweredCard:    {},
	ErrResetCard:        {},
	ErrRemovedCard:      {},
	ErrInsertedCard:     {},
	ErrNoSmartcard:      {},
	ErrSharingViolation: {},
	ErrProtoMismatch:    {},
	ErrUnknownCard:      {},
	ErrInvalidATR:       {},
}

// IsFatalError reports whether rc should latch the driver invalid. Success
// and every card-warning outcome are not fatal; everything else is.
func IsFatalError(rc error) bool {
	_, ok := nonFatal[rc]
	return !ok
}
