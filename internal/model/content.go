package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeContent returns message content in Unicode NFC form so that the
// same text typed on different devices is stored byte-identically.
func NormalizeContent(s string) string {
	return norm.NFC.String(s)
}

// IsBlank reports whether s is empty or whitespace only.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// FormatCoords renders a coordinate pair as "51.5074°N, 0.1278°W".
func FormatCoords(lat, lng float64) string {
	latDir := "N"
	if lat < 0 {
		latDir = "S"
	}
	lngDir := "E"
	if lng < 0 {
		lngDir = "W"
	}
	return fmt.Sprintf("%.4f°%s, %.4f°%s", math.Abs(lat), latDir, math.Abs(lng), lngDir)
}

// DecodeRecord decodes a JSON row of the given table into its record type.
func DecodeRecord(table string, data []byte) (Record, error) {
	switch table {
	case TableWinks:
		var w Wink
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode wink: %w", err)
		}
		return w, nil
	case TableMatches:
		var m Match
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode match: %w", err)
		}
		return m, nil
	case TableMessages:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}
