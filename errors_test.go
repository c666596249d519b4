package ccidserial

import "testing"

func TestIsFatalErrorSuccessAndWarningsAreNotFatal(t *testing.T) {
	nonFatalCases := []error{
		nil,
		ErrUnsupportedCard,
		ErrUnresponsiveCard,
		ErrUnpoweredCard,
		ErrResetCard,
		ErrRemovedCard,
		ErrInsertedCard,
		ErrNoSmartcard,
		ErrSharingViolation,
		ErrProtoMismatch,
		ErrUnknownCard,
		ErrInvalidATR,
	}
	for _, rc := range nonFatalCases {
		if IsFatalError(rc) {
			t.Errorf("%v should not be fatal", rc)
		}
	}
}

func TestIsFatalErrorEverythingElseIsFatal(t *testing.T) {
	fatalCases := []error{
		ErrInvalidParameter,
		ErrInsufficientBuffer,
		ErrNoMemory,
		ErrTimeout,
		ErrWaitedTooLong,
		ErrCommunication,
		ErrInternal,
		ErrUnexpected,
		ErrReaderUnsupported,
		ErrDriverInvalid,
	}
	for _, rc := range fatalCases {
		if !IsFatalError(rc) {
			t.Errorf("%v should be fatal", rc)
		}
	}
}
