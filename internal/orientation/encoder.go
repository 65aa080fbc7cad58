// Package orientation defines the orientation sample and its text wire format.
//
// A payload is a single line "<roll>,<pitch>,<yaw>\n" where each field is the
// float32 value in default decimal notation: the shortest digits that round-trip
// the value, always with a fractional part ("1.0", "-0.2"), exponent form for
// very large or very small magnitudes ("1.0E10", "1.0E-5"), and the tokens
// "NaN", "Infinity" and "-Infinity" for non-finite values.
package orientation

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	fieldSeparator = ','
	lineTerminator = '\n'

	// plain notation is used for magnitudes in [plainMin, plainMax)
	plainMin = 1e-3
	plainMax = 1e7
)

// Sample is a single orientation reading in radians.
type Sample struct {
	Roll  float32 `json:"roll"`
	Pitch float32 `json:"pitch"`
	Yaw   float32 `json:"yaw"`
}

// Degrees returns roll, pitch and yaw converted to degrees.
func (s Sample) Degrees() (roll, pitch, yaw float64) {
	const k = 180 / math.Pi
	return float64(s.Roll) * k, float64(s.Pitch) * k, float64(s.Yaw) * k
}

// Encode renders the triple into the wire payload. It never fails.
func Encode(roll, pitch, yaw float32) []byte {
	buf := make([]byte, 0, 48)
	buf = appendFloat(buf, roll)
	buf = append(buf, fieldSeparator)
	buf = appendFloat(buf, pitch)
	buf = append(buf, fieldSeparator)
	buf = appendFloat(buf, yaw)
	return append(buf, lineTerminator)
}

// EncodeSample is Encode for a Sample value.
func EncodeSample(s Sample) []byte {
	return Encode(s.Roll, s.Pitch, s.Yaw)
}

// DefaultValue is the payload exposed before any sample has been ingested.
func DefaultValue() []byte {
	return Encode(0, 0, 0)
}

// FormatFloat renders a single field the way Encode does.
func FormatFloat(f float32) string {
	return string(appendFloat(nil, f))
}

func appendFloat(dst []byte, f float32) []byte {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return append(dst, "NaN"...)
	case math.IsInf(v, 1):
		return append(dst, "Infinity"...)
	case math.IsInf(v, -1):
		return append(dst, "-Infinity"...)
	}

	abs := math.Abs(v)
	if abs == 0 || (abs >= plainMin && abs < plainMax) {
		s := strconv.FormatFloat(v, 'f', -1, 32)
		if math.Signbit(v) && abs == 0 {
			s = "-0"
		}
		dst = append(dst, s...)
		if !strings.ContainsRune(s, '.') {
			dst = append(dst, ".0"...)
		}
		return dst
	}

	// strconv gives "1.5E+10" / "1E-05"; the wire form is "1.5E10" / "1.0E-5"
	s := strconv.FormatFloat(v, 'E', -1, 32)
	mantissa, exp, _ := strings.Cut(s, "E")
	dst = append(dst, mantissa...)
	if !strings.ContainsRune(mantissa, '.') {
		dst = append(dst, ".0"...)
	}
	n, _ := strconv.Atoi(exp)
	dst = append(dst, 'E')
	return strconv.AppendInt(dst, int64(n), 10)
}

// Decode parses a wire payload back into a Sample. The trailing newline is
// optional; anything other than exactly three numeric fields is an error.
func Decode(payload []byte) (Sample, error) {
	line := bytes.TrimSuffix(payload, []byte{lineTerminator})
	line = bytes.TrimSuffix(line, []byte{'\r'})

	fields := bytes.Split(line, []byte{fieldSeparator})
	if len(fields) != 3 {
		return Sample{}, fmt.Errorf("invalid orientation payload %q: want 3 fields, got %d", payload, len(fields))
	}

	var vals [3]float32
	for i, field := range fields {
		v, err := parseField(string(bytes.TrimSpace(field)))
		if err != nil {
			return Sample{}, fmt.Errorf("invalid orientation payload %q: field %d: %w", payload, i, err)
		}
		vals[i] = v
	}

	return Sample{Roll: vals[0], Pitch: vals[1], Yaw: vals[2]}, nil
}

func parseField(s string) (float32, error) {
	if s == "" {
		return 0, fmt.Errorf("empty field")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}
