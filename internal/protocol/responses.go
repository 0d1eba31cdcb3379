package protocol

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Notification types sent on an intercepting connection.
const (
	TypeHTTPRequest  = "httprequest"
	TypeHTTPResponse = "httpresponse"
	TypeWSToServer   = "wstoserver"
	TypeWSToClient   = "wstoclient"
)

// Watch event actions.
const (
	ActionNewRequest     = "NewRequest"
	ActionRequestUpdated = "RequestUpdated"
	ActionRequestDeleted = "RequestDeleted"
)

// CommandError is a rejection reported by the backend with Success:false.
type CommandError struct {
	Command string
	Reason  string
}

func (e *CommandError) Error() string {
	if e.Command == "" {
		return "backend error: " + e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Reason)
}

// CheckFailure returns a *CommandError when frame is a failure envelope.
func CheckFailure(command string, frame []byte) error {
	success := gjson.GetBytes(frame, "Success")
	if !success.Exists() || success.Type != gjson.False {
		return nil
	}
	reason := gjson.GetBytes(frame, "Reason")
	if !reason.Exists() {
		return &CommandError{Command: command, Reason: "unknown error"}
	}
	return &CommandError{Command: command, Reason: reason.String()}
}

// NotificationType peeks at the Type field of an interception frame.
func NotificationType(frame []byte) string {
	return gjson.GetBytes(frame, "Type").String()
}

// EventAction peeks at the Action field of a watch frame.
func EventAction(frame []byte) string {
	return gjson.GetBytes(frame, "Action").String()
}

// FrameID returns the raw Id field, or nil when absent.
func FrameID(frame []byte) []byte {
	id := gjson.GetBytes(frame, "Id")
	if !id.Exists() {
		return nil
	}
	return []byte(id.Raw)
}

// IsValidJSON reports whether frame is well-formed JSON.
func IsValidJSON(frame []byte) bool {
	return gjson.ValidBytes(frame)
}
