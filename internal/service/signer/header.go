package signer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformedHeader = errors.New("malformed authorization header")

// Authorization is a parsed Authorization header value.
type Authorization struct {
	MchID     string
	Nonce     string
	Timestamp int64
	SerialNo  string
	Signature string
}

var headerFields = []string{"mchid", "nonce_str", "timestamp", "serial_no", "signature"}

// ParseAuthorization parses a header produced by FormatAuthorization.
// It is strict about scheme, field order, and quoting.
func ParseAuthorization(header string) (Authorization, error) {
	var a Authorization

	rest, ok := strings.CutPrefix(header, Scheme+" ")
	if !ok {
		return a, fmt.Errorf("%w: scheme", ErrMalformedHeader)
	}

	parts := strings.Split(rest, ",")
	if len(parts) != len(headerFields) {
		return a, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedHeader, len(headerFields), len(parts))
	}

	values := make([]string, len(parts))
	for i, p := range parts {
		name, quoted, ok := strings.Cut(p, "=")
		if !ok || name != headerFields[i] {
			return a, fmt.Errorf("%w: field %d", ErrMalformedHeader, i)
		}
		if len(quoted) < 2 || quoted[0] != '"' || quoted[len(quoted)-1] != '"' {
			return a, fmt.Errorf("%w: %s not quoted", ErrMalformedHeader, name)
		}
		values[i] = quoted[1 : len(quoted)-1]
	}

	ts, err := strconv.ParseInt(values[2], 10, 64)
	if err != nil {
		return a, fmt.Errorf("%w: timestamp: %v", ErrMalformedHeader, err)
	}

	a = Authorization{
		MchID:     values[0],
		Nonce:     values[1],
		Timestamp: ts,
		SerialNo:  values[3],
		Signature: values[4],
	}
	return a, nil
}
