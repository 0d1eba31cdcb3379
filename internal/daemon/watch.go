package daemon

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/standardbeagle/mitmctl/internal/codec"
	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/protocol"
)

// AllStorages watches every open storage.
const AllStorages = -1

// WatchEvent is a change to a storage. Depending on the action and the
// backend, the changed entity is either decoded into one of Request,
// Response or WSMessage, or only named by MessageID.
type WatchEvent struct {
	Action    string
	StorageID int

	Request   *model.Request
	Response  *model.Response
	WSMessage *model.WSMessage
	MessageID string
}

// WatchStorage hands the connection over to a stream of storage changes.
// Pass AllStorages to watch everything.
//
// The returned sequence yields one event per change, or a decode error for
// a malformed event. It ends when the connection closes or ctx is done;
// cancelling ctx closes the connection even if iteration never starts.
// Stopping the iteration early closes the connection; the sequence cannot be
// restarted.
func (c *Conn) WatchStorage(ctx context.Context, storageID int, headersOnly bool) (iter.Seq2[*WatchEvent, error], error) {
	if err := c.enterInteractive(); err != nil {
		return nil, err
	}
	args := struct {
		StorageID   int  `json:"StorageId"`
		HeadersOnly bool `json:"HeadersOnly"`
	}{storageID, headersOnly}

	c.mu.Lock()
	_, err := c.exchange(protocol.CmdWatchStorage, args)
	c.mu.Unlock()
	if err != nil {
		c.leaveInteractive()
		return nil, err
	}
	c.log.Info().Int("storage", storageID).Msg("watching storage")
	stop := context.AfterFunc(ctx, func() { c.Close() })

	return func(yield func(*WatchEvent, error) bool) {
		defer stop()
		for {
			frame, err := c.read()
			if err != nil {
				return
			}
			ev, err := decodeWatchEvent(frame, headersOnly)
			if !yield(ev, err) {
				c.Close()
				return
			}
		}
	}, nil
}

func decodeWatchEvent(frame []byte, headersOnly bool) (*WatchEvent, error) {
	var w codec.WatchEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, &codec.DecodeError{Entity: "watch event", Err: err}
	}
	ev := &WatchEvent{Action: w.Action, StorageID: w.StorageID}
	opts := codec.Options{StorageID: w.StorageID, HeadersOnly: headersOnly}

	var err error
	if raw := w.Request; !codec.IsEmptyEntity(raw) {
		if isMessageID(raw) {
			ev.MessageID = codec.IDString(raw)
		} else if ev.Request, err = codec.UnmarshalRequest(raw, opts); err != nil {
			return nil, err
		}
	}
	if raw := w.Response; !codec.IsEmptyEntity(raw) {
		if isMessageID(raw) {
			ev.MessageID = codec.IDString(raw)
		} else if ev.Response, err = codec.UnmarshalResponse(raw, opts); err != nil {
			return nil, err
		}
	}
	if raw := w.WSMessage; !codec.IsEmptyEntity(raw) {
		if isMessageID(raw) {
			ev.MessageID = codec.IDString(raw)
		} else if ev.WSMessage, err = codec.UnmarshalWSMessage(raw, opts); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// isMessageID reports whether an entity field holds a bare id rather than an
// object.
func isMessageID(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return false
		default:
			return true
		}
	}
	return false
}
