// Package protocol defines the line-delimited JSON protocol spoken with the
// proxy backend: one JSON object per line in each direction.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// Command names understood by the backend.
const (
	CmdPing             = "Ping"
	CmdSubmit           = "Submit"
	CmdSaveNew          = "SaveNew"
	CmdStorageQuery     = "StorageQuery"
	CmdSetScope         = "SetScope"
	CmdViewScope        = "ViewScope"
	CmdAddTag           = "AddTag"
	CmdRemoveTag        = "RemoveTag"
	CmdClearTag         = "ClearTag"
	CmdAllSavedQueries  = "AllSavedQueries"
	CmdSaveQuery        = "SaveQuery"
	CmdLoadQuery        = "LoadQuery"
	CmdDeleteQuery      = "DeleteQuery"
	CmdAddListener      = "AddListener"
	CmdRemoveListener   = "RemoveListener"
	CmdGetListeners     = "GetListeners"
	CmdLoadCerts        = "LoadCerts"
	CmdSetCerts         = "SetCerts"
	CmdClearCerts       = "ClearCerts"
	CmdGenCerts         = "GenCerts"
	CmdGenPEMCerts      = "GenPEMCerts"
	CmdValidateQuery    = "ValidateQuery"
	CmdCheckRequest     = "checkrequest"
	CmdAddSQLiteStorage = "AddSQLiteStorage"
	CmdAddInMemStorage  = "AddInMemoryStorage"
	CmdCloseStorage     = "CloseStorage"
	CmdSetProxyStorage  = "SetProxyStorage"
	CmdListStorage      = "ListStorage"
	CmdSetProxy         = "SetProxy"
	CmdIntercept        = "Intercept"
	CmdWatchStorage     = "WatchStorage"
	CmdSetPluginValue   = "SetPluginValue"
	CmdGetPluginValue   = "GetPluginValue"
)

// ValidCommands lists every command name the client knows how to issue.
var ValidCommands = []string{
	CmdPing, CmdSubmit, CmdSaveNew, CmdStorageQuery, CmdSetScope, CmdViewScope,
	CmdAddTag, CmdRemoveTag, CmdClearTag, CmdAllSavedQueries, CmdSaveQuery,
	CmdLoadQuery, CmdDeleteQuery, CmdAddListener, CmdRemoveListener,
	CmdGetListeners, CmdLoadCerts, CmdSetCerts, CmdClearCerts, CmdGenCerts,
	CmdGenPEMCerts, CmdValidateQuery, CmdCheckRequest, CmdAddSQLiteStorage,
	CmdAddInMemStorage, CmdCloseStorage, CmdSetProxyStorage, CmdListStorage,
	CmdSetProxy, CmdIntercept, CmdWatchStorage, CmdSetPluginValue,
	CmdGetPluginValue,
}

// IsValidCommand reports whether name is a known command.
func IsValidCommand(name string) bool {
	for _, c := range ValidCommands {
		if c == name {
			return true
		}
	}
	return false
}

// IsInteractiveCommand reports whether name switches a connection into a
// long-lived stream.
func IsInteractiveCommand(name string) bool {
	return name == CmdIntercept || name == CmdWatchStorage
}

// FormatCommand builds a command frame: the JSON encoding of args with a
// "Command" field added. args may be nil, a struct or a map.
func FormatCommand(name string, args any) ([]byte, error) {
	body := []byte("{}")
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s arguments: %w", name, err)
		}
		body = b
	}
	out, err := sjson.SetBytes(body, "Command", name)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", name, err)
	}
	return out, nil
}
