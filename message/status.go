package message

import "fmt"

// Status classifies a MethodResult.
type Status byte

const (
	StatusOk             Status = 0
	StatusClassNotFound  Status = 1 // contract not hosted; payload is the requested name
	StatusMethodNotFound Status = 2 // payload is "contract::method"
	StatusMethodFailed   Status = 3 // payload is the rendered error trace
	StatusContinue       Status = 4 // not an answer: a callback invocation, payload is []any
	StatusUnknown        Status = 5
)

var statusNames = [...]string{
	StatusOk:             "Ok",
	StatusClassNotFound:  "ClassNotFound",
	StatusMethodNotFound: "MethodNotFound",
	StatusMethodFailed:   "MethodFailed",
	StatusContinue:       "Continue",
	StatusUnknown:        "Unknown",
}

// ParseStatus maps a wire value onto a Status. Values outside the taxonomy become StatusUnknown.
func ParseStatus(v byte) Status {
	if int(v) >= len(statusNames) {
		return StatusUnknown
	}
	return Status(v)
}

// Terminal reports whether the status answers a pending call.
func (s Status) Terminal() bool {
	return s != StatusContinue
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", byte(s))
}
