package protocol

import (
	"encoding/json"
	"math"

	"github.com/google/go-cmp/cmp"
)

// SameExceptTime reports whether two JSON objects are structurally equal once their
// "time" members are removed. Unparseable input is never equal.
func SameExceptTime(a, b []byte) bool {
	var ma, mb map[string]any
	if err := json.Unmarshal(a, &ma); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &mb); err != nil {
		return false
	}
	delete(ma, "time")
	delete(mb, "time")
	return cmp.Equal(ma, mb)
}

// Quantize rounds v to the given number of decimals and returns it as a fixed-point integer.
func Quantize(v float64, decimals int) int64 {
	return int64(math.Round(v * math.Pow10(decimals)))
}
