package assetcache

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var byteUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
	't': 1 << 40,
}

// parseBytes reads sizes such as "512", "64mb", "1.5 GB" or "2k". Units are
// binary; a trailing "b" is optional.
func parseBytes(s string) (int64, error) {
	in := s
	s = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(s)), "b")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid size %q", in)
	}
	mult := int64(1)
	if m, ok := byteUnits[s[len(s)-1]]; ok {
		mult = m
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", in)
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid size %q", in)
	}
	return int64(v * float64(mult)), nil
}
