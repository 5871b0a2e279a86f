// Package message defines the call envelopes exchanged between an interceptor and a dispatcher.
//
// A MethodCall travels from the calling side to the hosting side. A MethodResult travels
// back, either as the terminal answer to a MethodCall (matched by ID) or, with status
// Continue, as a forward invocation of a callback the caller registered earlier.
package message

import "fmt"

// CallID identifies an outstanding call, or a registered callback when carried by a
// Continue result. Zero is never assigned.
type CallID uint16

// Kind names the envelope shape a transport is asked to deliver.
type Kind byte

const (
	KindCall   Kind = 0 // caller → host
	KindResult Kind = 1 // host → caller
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Envelope is implemented by *MethodCall and *MethodResult.
type Envelope interface {
	CallID() CallID
	Kind() Kind
}

// MethodCall carries a single invocation request.
//
//   - Contract is the name of the interface being called, e.g. "Calculator".
//   - Method is the method name within that contract, e.g. "Add".
//   - Args holds the wire-representable arguments in declaration order.
type MethodCall struct {
	ID       CallID `json:"i"`
	Contract string `json:"c"`
	Method   string `json:"m"`
	Args     []any  `json:"a"`
}

// NewCall builds a MethodCall. args is copied so later changes by the caller don't leak in.
func NewCall(id CallID, contract, method string, args []any) *MethodCall {
	cp := make([]any, len(args))
	copy(cp, args)
	return &MethodCall{
		ID:       id,
		Contract: contract,
		Method:   method,
		Args:     cp,
	}
}

func (m *MethodCall) CallID() CallID { return m.ID }

func (m *MethodCall) Kind() Kind { return KindCall }

func (m *MethodCall) String() string {
	return fmt.Sprintf("%s::%s#%d", m.Contract, m.Method, m.ID)
}

// MethodResult carries either the outcome of a call or, with StatusContinue, a callback
// invocation whose Payload is the argument list.
type MethodResult struct {
	ID      CallID `json:"i"`
	Payload any    `json:"r"`
	Status  Status `json:"s"`
}

func NewResult(id CallID, payload any, status Status) *MethodResult {
	return &MethodResult{
		ID:      id,
		Payload: payload,
		Status:  status,
	}
}

func (m *MethodResult) CallID() CallID { return m.ID }

func (m *MethodResult) Kind() Kind { return KindResult }
