package codec

import (
	"bytes"
	"encoding/json"
)

// Notification is sent by the backend when it pauses a message during
// interception.
type Notification struct {
	Type      string          `json:"Type"`
	ID        json.RawMessage `json:"Id"`
	Request   *Request        `json:"Request,omitempty"`
	Response  *Response       `json:"Response,omitempty"`
	WSMessage *WSMessage      `json:"WSMessage,omitempty"`
}

// Verdict answers a Notification. ID is echoed back byte for byte.
type Verdict struct {
	ID        json.RawMessage `json:"Id"`
	Dropped   bool            `json:"Dropped"`
	Request   *Request        `json:"Request,omitempty"`
	Response  *Response       `json:"Response,omitempty"`
	WSMessage *WSMessage      `json:"WSMessage,omitempty"`
}

// WatchEvent is a storage change streamed after WatchStorage. Entity fields
// hold either a full entity object or a bare message id.
type WatchEvent struct {
	Action    string          `json:"Action"`
	StorageID int             `json:"StorageId"`
	Request   json.RawMessage `json:"Request,omitempty"`
	Response  json.RawMessage `json:"Response,omitempty"`
	WSMessage json.RawMessage `json:"WSMessage,omitempty"`
}

// IDString renders a correlation id for logs and display. String ids lose
// their quotes; numbers are kept as written.
func IDString(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(id))
}

// IsEmptyEntity reports whether a raw entity field is absent or null.
func IsEmptyEntity(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
