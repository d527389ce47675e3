package alerting

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Category string

const (
	CategorySuccess Category = "success"
	CategoryWarning Category = "warning"
	CategoryError   Category = "error"
)

// EmptyDetails is shown, and used for the identity, when an alert carries no
// details.
const EmptyDetails = "Empty Details"

var (
	ErrMalformedPayload = errors.New("malformed alert payload")
	ErrInvalidCategory  = errors.New("invalid alert type")
	ErrDispatch         = errors.New("alert dispatch failed")
)

var categories = []Category{CategorySuccess, CategoryWarning, CategoryError}

func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// Label is the capitalized form used in the notification "Type" field.
func (c Category) Label() string {
	if c == "" {
		return "Success"
	}
	return strings.ToUpper(string(c[:1])) + string(c[1:])
}

type Alert struct {
	Category Category
	Message  string
	Details  string
}

// Identity is the deduplication key: category and details, compared exactly.
func (a *Alert) Identity() string {
	if a == nil {
		return ""
	}
	return string(a.Category) + ":" + a.Details
}

// ParseAlert decodes and validates one producer payload. It fails with
// ErrMalformedPayload only when the text is not JSON or is JSON null. Any other
// value without a known string type, arrays and scalars included, fails with
// ErrInvalidCategory. Non-string message and details values are rendered as
// text.
func ParseAlert(data []byte) (*Alert, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedPayload)
	}
	if string(bytes.TrimSpace(data)) == "null" {
		return nil, fmt.Errorf("%w: payload is null", ErrMalformedPayload)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidCategory)
	}
	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidCategory)
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, rawType)
	}
	category := Category(typ)
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, typ)
	}
	alert := &Alert{
		Category: category,
		Message:  textValue(fields["message"]),
		Details:  EmptyDetails,
	}
	if raw, ok := fields["details"]; ok && !isBlank(raw) {
		alert.Details = textValue(raw)
	}
	return alert, nil
}

// textValue renders a JSON value as notification text. Strings are used as-is,
// null and absent values are empty, numbers use their shortest decimal form,
// and objects or arrays keep their compact JSON encoding.
func textValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		var b bytes.Buffer
		if err := json.Compact(&b, raw); err != nil {
			return string(raw)
		}
		return b.String()
	}
}

// isBlank reports whether a details value falls back to EmptyDetails: null,
// false, zero and the empty string.
func isBlank(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	}
	return false
}
