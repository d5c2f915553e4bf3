// Package source implements the three ingestion paths from the Canoe123
// timing engine: the framed TCP stream, the UDP announcement broadcast and
// the shared XML database file. Each source emits frames, status changes
// and errors on its own channels and exposes an idempotent Stop.
package source

// Status is the connection state of a source.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Info is the control-plane view of a source.
type Info struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}
