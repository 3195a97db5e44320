package relay

import (
	"encoding/json"
	"slices"

	"github.com/roach88/winklet/internal/model"
)

// Frame types.
const (
	frameSubscribe   = "subscribe"
	frameSubscribed  = "subscribed"
	frameUnsubscribe = "unsubscribe"
	frameInsert      = "insert"
	frameError       = "error"
)

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 1 << 20

// frame is the single envelope for every message in both directions.
type frame struct {
	Type   string          `json:"type"`
	ID     uint64          `json:"id,omitempty"`
	Table  string          `json:"table,omitempty"`
	Filter json.RawMessage `json:"filter,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func knownTable(table string) bool {
	return slices.Contains(model.Tables, table)
}
