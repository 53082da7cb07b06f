package wire

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/devleaks/xplane-webapi/errors"
)

// WebSocket frame types. Outbound requests carry a monotonically increasing
// req_id used by the dispatcher to correlate the matching result frame.
const (
	TypeResult        = "result"
	TypeDatarefUpdate = "dataref_update_values"
	TypeCommandActive = "command_update_is_active"

	TypeDatarefSubscribe   = "dataref_subscribe_values"
	TypeDatarefUnsubscribe = "dataref_unsubscribe_values"
	TypeDatarefSet         = "dataref_set_values"
	TypeCommandSubscribe   = "command_subscribe_is_active"
	TypeCommandUnsubscribe = "command_unsubscribe_is_active"
	TypeCommandSet         = "command_set_is_active"
)

// Request is an outbound WebSocket frame.
type Request struct {
	Type   string `json:"type"`
	ReqID  int64  `json:"req_id"`
	Params any    `json:"params,omitempty"`
}

// DatarefParams is the params block of dataref subscribe/unsubscribe/set
// requests.
type DatarefParams struct {
	Datarefs []DatarefSpec `json:"datarefs"`
}

// CommandParams is the params block of command subscribe/unsubscribe/set
// requests.
type CommandParams struct {
	Commands []CommandSpec `json:"commands"`
}

// DatarefSpec identifies one dataref in a subscription request. An empty
// Index list subscribes to the whole value.
type DatarefSpec struct {
	ID    int64 `json:"id"`
	Index []int `json:"index,omitempty"`
}

// SetValueSpec carries one dataref write. Index selects a single array
// element when non-nil.
type SetValueSpec struct {
	ID    int64 `json:"id"`
	Value any   `json:"value"`
	Index *int  `json:"index,omitempty"`
}

// SetValueParams is the params block of dataref_set_values requests.
type SetValueParams struct {
	Datarefs []SetValueSpec `json:"datarefs"`
}

// CommandSpec identifies one command in a subscription request.
type CommandSpec struct {
	ID int64 `json:"id"`
}

// CommandActiveSpec triggers one command, optionally held for Duration
// seconds.
type CommandActiveSpec struct {
	ID       int64    `json:"id"`
	IsActive bool     `json:"is_active"`
	Duration *float64 `json:"duration,omitempty"`
}

// CommandActiveParams is the params block of command_set_is_active requests.
type CommandActiveParams struct {
	Commands []CommandActiveSpec `json:"commands"`
}

// Envelope is a decoded inbound WebSocket frame. Result fields are only
// meaningful for TypeResult frames; Data only for update frames, keyed by
// the decimal identifier of the dataref or command.
type Envelope struct {
	Type         string                     `json:"type"`
	ReqID        int64                      `json:"req_id,omitempty"`
	Success      bool                       `json:"success,omitempty"`
	ErrorCode    string                     `json:"error_code,omitempty"`
	ErrorMessage string                     `json:"error_message,omitempty"`
	Data         map[string]json.RawMessage `json:"data,omitempty"`
}

// DecodeFrame decodes one inbound WebSocket message.
func DecodeFrame(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.WrapInvalid(err, "wire", "DecodeFrame", "unmarshal frame")
	}
	switch env.Type {
	case TypeResult, TypeDatarefUpdate, TypeCommandActive:
		return &env, nil
	case "":
		return nil, errors.ErrUnknownFrameType
	default:
		return nil, errors.ErrUnknownFrameType
	}
}

// EncodeRequest marshals an outbound request frame.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "EncodeRequest", "marshal request")
	}
	return data, nil
}

// DecodeScalar interprets a raw update value as a single number.
func DecodeScalar(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, errors.WrapInvalid(err, "wire", "DecodeScalar", "unmarshal number")
	}
	return v, nil
}

// DecodeArray interprets a raw update value as an array of numbers.
func DecodeArray(raw json.RawMessage) ([]float64, error) {
	var v []float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.WrapInvalid(err, "wire", "DecodeArray", "unmarshal array")
	}
	return v, nil
}

// DecodeBool interprets a raw update value as a boolean (command activity).
func DecodeBool(raw json.RawMessage) (bool, error) {
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, errors.WrapInvalid(err, "wire", "DecodeBool", "unmarshal bool")
	}
	return v, nil
}

// DecodeBytes interprets a raw update value as a base64-encoded byte string
// and returns it decoded with trailing NULs stripped, the representation
// the simulator uses for "data" typed datarefs.
func DecodeBytes(raw json.RawMessage) (string, error) {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", errors.WrapInvalid(err, "wire", "DecodeBytes", "unmarshal string")
	}
	decoded, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", errors.WrapInvalid(err, "wire", "DecodeBytes", "decode base64")
	}
	return strings.ReplaceAll(string(decoded), "\x00", ""), nil
}

// EncodeBytes encodes a string value for writing to a "data" typed dataref.
func EncodeBytes(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
