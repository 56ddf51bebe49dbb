// Package schema defines the structural field-kind schemas used to route
// queue messages to use-case handlers. A schema declares which fields a
// decoded message body must carry and the kind of value expected in each;
// matching is a pure subset check, so bodies may always carry extra fields.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the runtime shape a schema field accepts. The set of kinds
// is closed: matching inspects only these variants and never reflects over
// caller-defined types.
type Kind int

const (
	// Text matches JSON string values, including the empty string.
	Text Kind = iota + 1

	// List matches JSON arrays, including empty arrays.
	List

	// Object matches nested JSON objects.
	Object

	// Numeric matches any JSON number.
	Numeric

	// Boolean matches JSON true or false.
	Boolean

	// Date matches values parseable as a calendar timestamp: RFC 3339
	// strings (with or without fractional seconds), "2006-01-02T15:04:05",
	// bare "2006-01-02" dates, or JSON numbers holding epoch milliseconds.
	Date
)

// ErrUnsupportedKind reports a schema declaring a field kind outside the
// supported set. It is a configuration error: the rule carrying the schema is
// rejected at registration and dispatch never consults it.
var ErrUnsupportedKind = errors.New("schema: unsupported field kind")

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case List:
		return "list"
	case Object:
		return "object"
	case Numeric:
		return "numeric"
	case Boolean:
		return "boolean"
	case Date:
		return "date"
	default:
		return "unknown"
	}
}

// Schema maps field names to the kind of value each must hold for a message
// body to match. The zero-length schema is legal and matches every decoded
// body, so it should only ever be registered as a deliberate catch-all.
type Schema map[string]Kind

// Validate checks that every declared field uses a supported kind. It returns
// an error wrapping ErrUnsupportedKind on the first offending field.
func (s Schema) Validate() error {
	for field, kind := range s {
		switch kind {
		case Text, List, Object, Numeric, Boolean, Date:
		default:
			return fmt.Errorf("%w: field %q declares kind %d", ErrUnsupportedKind, field, int(kind))
		}
	}
	return nil
}

// Matches reports whether body satisfies the schema: every declared field
// must be present and hold a value of the declared kind. Fields present in
// the body but not declared in the schema are ignored. The body is never
// mutated.
func (s Schema) Matches(body map[string]any) bool {
	for field, kind := range s {
		value, ok := body[field]
		if !ok || !matchesKind(value, kind) {
			return false
		}
	}
	return true
}

func matchesKind(value any, kind Kind) bool {
	switch kind {
	case Text:
		_, ok := value.(string)
		return ok
	case List:
		_, ok := value.([]any)
		return ok
	case Object:
		_, ok := value.(map[string]any)
		return ok
	case Numeric:
		return isNumeric(value)
	case Boolean:
		_, ok := value.(bool)
		return ok
	case Date:
		return parseableAsDate(value)
	default:
		return false
	}
}

// isNumeric accepts the float64 produced by encoding/json alongside the
// integer and json.Number forms callers use when building bodies directly.
func isNumeric(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

// dateLayouts are tried in declaration order against string values.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseableAsDate treats any numeric value as epoch milliseconds, which are
// always a valid instant, and tries the accepted layouts for strings.
func parseableAsDate(value any) bool {
	s, ok := value.(string)
	if !ok {
		return isNumeric(value)
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
