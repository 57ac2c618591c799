// Package codec defines the fixed request/response wire record exchanged
// over the bus between publisher and subscriber, and its JSON encoding.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the response outcome enum. Unknown values decoded off the wire
// are treated as ERROR (§4.4: "unknown values on read ⇒ ERROR").
type Status int32

const (
	// StatusUnknown is never sent; it is what a missing/invalid wire value
	// decodes to, and is treated identically to StatusError.
	StatusUnknown Status = 0
	StatusSuccess Status = 1
	StatusError   Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusError:
		return "ERROR"
	default:
		return "ERROR" // unknown ⇒ ERROR, including StatusUnknown
	}
}

// Request is the fixed record published on a `models.<expert_id>` subject.
type Request struct {
	RequestID string `json:"request_id"`
	ExpertID  string `json:"expert_id"`
	Payload   string `json:"payload"`
}

// Response is the fixed record returned on the reply inbox. ErrorMessage is
// empty iff Status is SUCCESS. LatencyMs is the subscriber's own
// parse-start-to-reply-serialize measurement and is always non-negative.
type Response struct {
	RequestID    string `json:"request_id"`
	ExpertID     string `json:"expert_id"`
	Payload      string `json:"payload"`
	Status       Status `json:"status"`
	LatencyMs    int32  `json:"latency_ms"`
	ErrorMessage string `json:"error_message"`
}

// ErrParse is wrapped into the subscriber's synthetic ERROR response when an
// inbound request fails to decode.
var ErrParse = errors.New("codec: malformed request")

// EncodeRequest serializes a Request for publication on the bus.
func EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses a Request received off the bus. On failure it
// returns ErrParse wrapping the underlying decode error, matching §4.6's
// "on parse failure, respond with an ERROR response (empty id, parse-error
// message)".
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return r, nil
}

// EncodeResponse serializes a Response for delivery on a reply inbox.
func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse parses a Response received on a reply inbox. An unknown or
// missing status value is normalized to StatusError per §4.4.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if r.Status != StatusSuccess && r.Status != StatusError {
		r.Status = StatusError
	}
	return r, nil
}

// NewErrorResponse builds a synthetic ERROR response, as used by the
// subscriber on parse failure or expert panic/error, and by the publisher
// on timeout / no-responders / circuit-open outcomes.
func NewErrorResponse(requestID, expertID, message string, latencyMs int32) Response {
	return Response{
		RequestID:    requestID,
		ExpertID:     expertID,
		Status:       StatusError,
		LatencyMs:    latencyMs,
		ErrorMessage: message,
	}
}
