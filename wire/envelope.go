// Package wire is the gateway protocol: uplink/downlink envelopes, topic scheme, payload forms.
// Part of public API for external usage, e.g. gateway simulators.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
)

// Uplink is gateway -> server envelope.
type Uplink struct {
	GatewayEUI string      `cbor:"i" json:"i"`
	Number     int64       `cbor:"n" json:"n"`
	Query      string      `cbor:"q" json:"q"`
	Payload    interface{} `cbor:"d" json:"d"`
}

// Downlink is server -> gateway envelope.
// Gateway correlates by Request (echo of Uplink.Number), not by Number.
type Downlink struct {
	Number  uint32      `cbor:"n" json:"n"`
	Request int64       `cbor:"r" json:"r"`
	Payload interface{} `cbor:"d" json:"d"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic("code error cbor EncMode: " + err.Error())
	}
	decOpts := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic("code error cbor DecMode: " + err.Error())
	}
}

// DecodeError is returned when neither binary nor text form could be decoded.
type DecodeError struct {
	Binary error
	Text   error
}

func (self *DecodeError) Error() string {
	return fmt.Sprintf("envelope decode binary: %v; text: %v", self.Binary, self.Text)
}

// ValidationError lists every problem found in one envelope.
type ValidationError struct {
	Problems []string
}

func (self *ValidationError) Error() string {
	return "envelope invalid: " + strings.Join(self.Problems, "; ")
}

func IsDecodeError(err error) bool {
	_, ok := errors.Cause(err).(*DecodeError)
	return ok
}

func IsValidationError(err error) bool {
	_, ok := errors.Cause(err).(*ValidationError)
	return ok
}

// Decode parses binary (CBOR) envelope, falls back to JSON text.
// Numbers are normalized: integral -> int64, other -> float64.
func Decode(b []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	errBinary := decMode.Unmarshal(b, &m)
	if errBinary == nil && m != nil {
		return m, nil
	}
	if errBinary == nil {
		errBinary = fmt.Errorf("not a map")
	}

	m2, errText := decodeText(b)
	if errText == nil {
		return m2, nil
	}
	return nil, &DecodeError{Binary: errBinary, Text: errText}
}

func decodeText(b []byte) (map[string]interface{}, error) {
	v, err := ParseJSON(b)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("json value type=%T expected object", v)
	}
	return m, nil
}

// ParseJSON decodes single JSON value with same number normalization as Decode.
func ParseJSON(b []byte) (interface{}, error) {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var v interface{}
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	if d.More() {
		return nil, fmt.Errorf("extraneous data after json value")
	}
	return normalizeJSON(v), nil
}

func normalizeJSON(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]interface{}:
		for k, item := range x {
			x[k] = normalizeJSON(item)
		}
		return x
	case []interface{}:
		for i, item := range x {
			x[i] = normalizeJSON(item)
		}
		return x
	}
	return v
}

// Validate checks typed envelope fields i(string), n(integer), q(string), d(present).
// Reports all problems, not just the first.
func Validate(msg map[string]interface{}) error {
	var problems []string
	if v, ok := msg["i"]; !ok {
		problems = append(problems, "i: missing")
	} else if s, ok := v.(string); !ok {
		problems = append(problems, fmt.Sprintf("i: expected string, got %T", v))
	} else if s == "" {
		problems = append(problems, "i: empty")
	}
	if v, ok := msg["n"]; !ok {
		problems = append(problems, "n: missing")
	} else if _, ok := AsInt64(v); !ok {
		problems = append(problems, fmt.Sprintf("n: expected integer, got %T", v))
	}
	if v, ok := msg["q"]; !ok {
		problems = append(problems, "q: missing")
	} else if _, ok := v.(string); !ok {
		problems = append(problems, fmt.Sprintf("q: expected string, got %T", v))
	}
	if _, ok := msg["d"]; !ok {
		problems = append(problems, "d: missing")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ValidationError{Problems: problems}
}

// UplinkFromMap builds envelope from validated generic map.
func UplinkFromMap(msg map[string]interface{}) (*Uplink, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	n, _ := AsInt64(msg["n"])
	return &Uplink{
		GatewayEUI: msg["i"].(string),
		Number:     n,
		Query:      msg["q"].(string),
		Payload:    msg["d"],
	}, nil
}

// DecodeUplink = Decode + Validate + UplinkFromMap.
func DecodeUplink(b []byte) (*Uplink, error) {
	m, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return UplinkFromMap(m)
}

func EncodeUplink(u *Uplink) ([]byte, error) {
	b, err := encMode.Marshal(u)
	return b, errors.Annotate(err, "encode uplink")
}

func EncodeDownlink(d *Downlink) ([]byte, error) {
	b, err := encMode.Marshal(d)
	return b, errors.Annotate(err, "encode downlink")
}

func DecodeDownlink(b []byte) (*Downlink, error) {
	var d Downlink
	if err := decMode.Unmarshal(b, &d); err != nil {
		return nil, errors.Annotate(err, "decode downlink")
	}
	return &d, nil
}

// DecodePayload converts generic envelope payload into typed struct with cbor tags.
func DecodePayload(payload interface{}, v interface{}) error {
	b, err := encMode.Marshal(payload)
	if err != nil {
		return errors.Annotate(err, "payload re-encode")
	}
	if err = decMode.Unmarshal(b, v); err != nil {
		return errors.NewNotValid(err, "payload")
	}
	return nil
}

// AsInt64 accepts any integer type and integral floats.
func AsInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint32:
		return int64(x), true
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x), true
		}
	}
	return 0, false
}
