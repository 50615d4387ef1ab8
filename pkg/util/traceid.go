package util

import (
	"fmt"
	"strconv"
	"strings"
)

// HexStringToTraceID parses a zipkin trace or span id: up to 16 lowercase or
// uppercase hex characters, interpreted as a 64-bit value.
func HexStringToTraceID(id string) (int64, error) {
	if id == "" {
		return 0, fmt.Errorf("trace ID cannot be empty")
	}

	// The strconv package accepts signs and prefixes. Ensure the ID has only
	// the proper characters.
	for pos, idChar := range strings.Split(id, "") {
		if (idChar >= "a" && idChar <= "f") ||
			(idChar >= "A" && idChar <= "F") ||
			(idChar >= "0" && idChar <= "9") {
			continue
		}
		return 0, fmt.Errorf("trace IDs can only contain hex characters: invalid character '%s' at position %d", idChar, pos+1)
	}

	if len(id) > 16 {
		return 0, fmt.Errorf("trace IDs can't be larger than 64 bits")
	}

	u, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		return 0, err
	}

	return int64(u), nil
}

// TraceIDToHexString converts a trace id to its canonical string
// representation: 16 lowercase hex characters, zero padded.
func TraceIDToHexString(id int64) string {
	return fmt.Sprintf("%016x", uint64(id))
}

// EqualHexStringTraceIDs compares two trace ID strings after parsing, so
// differing padding and casing still compare equal.
func EqualHexStringTraceIDs(a, b string) (bool, error) {
	aa, err := HexStringToTraceID(a)
	if err != nil {
		return false, err
	}
	bb, err := HexStringToTraceID(b)
	if err != nil {
		return false, err
	}

	return aa == bb, nil
}
