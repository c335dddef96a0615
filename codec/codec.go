// Package codec implements the x402 wire format: canonical JSON framed as
// base64url (no padding) inside the three x402 HTTP headers.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Header names used on the wire. Comparisons against incoming HTTP headers
// must be case-insensitive; net/http already canonicalizes header keys, so
// callers reading via http.Header.Get(HeaderPaymentSignature) etc. get that
// for free.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
)

// MalformedHeader is returned when a header value is not valid base64url,
// not valid JSON, or does not satisfy the schema of the target type.
type MalformedHeader struct {
	Header string
	Reason string
	Err    error
}

func (e *MalformedHeader) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s header: %s: %v", e.Header, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s header: %s", e.Header, e.Reason)
}

func (e *MalformedHeader) Unwrap() error { return e.Err }

// Validatable is implemented by wire types that can check their own schema
// after JSON decoding (required fields, shapes Go's json package can't
// express directly).
type Validatable interface {
	Validate() error
}

// Canonicalize re-serializes v as canonical JSON: UTF-8, deterministic
// lexicographic key order within objects, with any number preserved
// bit-exactly (via json.Number) rather than round-tripped through
// float64, so big integers encoded as bare JSON numbers are never
// corrupted. Callers that need bigint safety should encode such fields
// as Go strings in the first place (this module does, throughout) —
// Canonicalize's json.Number handling is a defense-in-depth second line.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// encoding/json sorts map[string]interface{} keys alphabetically on
	// marshal, which is exactly the canonical ordering this format needs.
	return json.Marshal(generic)
}

// Encode canonicalizes v and frames it as base64url (no padding), ready to
// place in one of the three x402 headers.
func Encode(v interface{}) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(canonical), nil
}

// Decode reverses Encode into a value of type T, failing with
// *MalformedHeader if s is not valid base64url, not valid JSON, or (when T
// implements Validatable) does not satisfy T's schema.
func Decode[T any](header string, s string) (T, error) {
	var zero T
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return zero, &MalformedHeader{Header: header, Reason: "not valid base64url", Err: err}
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, &MalformedHeader{Header: header, Reason: "not valid JSON", Err: err}
	}
	if validatable, ok := any(v).(Validatable); ok {
		if err := validatable.Validate(); err != nil {
			return zero, &MalformedHeader{Header: header, Reason: "failed schema validation", Err: err}
		}
	}
	return v, nil
}
