package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyLine    = errors.New("protocol: empty line")
	ErrMissingClass = errors.New("protocol: missing class")
)

// UnknownClassError is returned by Decode for a well-formed object whose class is not handled.
type UnknownClassError struct {
	Class string
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("protocol: unknown class %q", e.Class)
}

type msgBase struct {
	Class string `json:"class"`
}

// Decode parses one protocol line and returns the variant selected by its class.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}
	var base msgBase
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, fmt.Errorf("protocol: parse: %w", err)
	}
	class := Class(strings.ToUpper(strings.TrimSpace(base.Class)))
	if class == "" {
		return nil, ErrMissingClass
	}

	switch class {
	case ClassVersion:
		return decodeAs[Version](line)
	case ClassWatch:
		return decodeAs[Watch](line)
	case ClassDevices:
		return decodeAs[Devices](line)
	case ClassDevice:
		return decodeAs[Device](line)
	case ClassTPV:
		return decodeAs[TPV](line)
	case ClassSKY:
		return decodeAs[SKY](line)
	case ClassPPS:
		return decodeAs[PPS](line)
	case ClassPoll:
		return decodeAs[Poll](line)
	default:
		return nil, &UnknownClassError{Class: base.Class}
	}
}

func decodeAs[T Message](line []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("protocol: %s parse: %w", m.Kind(), err)
	}
	return m, nil
}

// Encode renders v as compact JSON followed by a newline.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return append(b, '\n'), nil
}

// Line returns raw with surrounding whitespace removed and exactly one trailing newline.
func Line(raw []byte) []byte {
	raw = bytes.TrimSpace(raw)
	out := make([]byte, len(raw)+1)
	copy(out, raw)
	out[len(raw)] = '\n'
	return out
}
