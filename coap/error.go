package coap

import "fmt"

// Kind classifies the error conditions surfaced to users as typed
// failures, as distinct from 4.xx/5.xx responses, which are delivered
// normally rather than returned as errors.
type Kind int

const (
	// KindMalformedHeader marks a datagram that failed to parse (bad
	// version, reserved token length), and also an outbound request
	// that failed to encode.
	KindMalformedHeader Kind = iota
	// KindMalformedOptions marks an inbound datagram whose option
	// sequence failed to parse.
	KindMalformedOptions
	// KindTimeout marks an exchange that never received a matching
	// response (or a transaction that exhausted MAX_RETRANSMIT).
	KindTimeout
	// KindReset marks an exchange whose request was answered with RST.
	KindReset
	// KindPayloadTooLarge marks a block-wise assembly that exceeded the
	// caller's configured cap.
	KindPayloadTooLarge
	// KindBlockwiseFailure marks a block-wise transfer that could not
	// complete after exhausting its retry budget for one block.
	KindBlockwiseFailure
	// KindTransportError marks a non-recoverable failure reported by
	// the underlying transport.
	KindTransportError
	// KindCancelled marks an operation the caller cancelled via context.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindMalformedHeader:
		return "MalformedHeader"
	case KindMalformedOptions:
		return "MalformedOptions"
	case KindTimeout:
		return "Timeout"
	case KindReset:
		return "Reset"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindBlockwiseFailure:
		return "BlockwiseFailure"
	case KindTransportError:
		return "TransportError"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the typed failure surfaced by Endpoint operations. 4.xx/5.xx
// responses are never wrapped in Error — they are delivered as ordinary
// *Response values.
type Error struct {
	Kind Kind
	Op   string // e.g. "Send", "SendObserve", "Serve"
	Err  error  // underlying cause, if any; may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("coap: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("coap: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
