package client

import (
	"context"
	"fmt"

	"github.com/standardbeagle/mitmctl/internal/daemon"
	"github.com/standardbeagle/mitmctl/internal/protocol"
	"github.com/standardbeagle/mitmctl/internal/tasks"
)

// Watch streams changes to st, or every storage when st is nil, to fn on a
// task of its own. The watch ends when ctx is done, the client closes, or fn
// returns an error, which becomes the task's error. Malformed events are
// logged and skipped.
func (c *Client) Watch(ctx context.Context, st *Storage, headersOnly bool, fn func(*daemon.WatchEvent) error) (*tasks.Task, error) {
	storageID := daemon.AllStorages
	if st != nil {
		if st.Closed() {
			return nil, fmt.Errorf("%s: %w", st, ErrStorageClosed)
		}
		storageID = st.ID
	}
	conn, err := c.NewConn(ctx)
	if err != nil {
		return nil, err
	}
	events, err := conn.WatchStorage(ctx, storageID, headersOnly)
	if err != nil {
		conn.Close()
		return nil, err
	}

	task, err := c.rt.Go(fmt.Sprintf("watch-%d", storageID), func() error {
		defer conn.Close()
		for ev, err := range events {
			if err != nil {
				c.log.Warn().Err(err).Msg("bad watch event")
				continue
			}
			if ev.Action != protocol.ActionNewRequest {
				switch {
				case ev.Request != nil:
					c.invalidate(ev.StorageID, ev.Request.DbID)
				case ev.MessageID != "":
					c.invalidate(ev.StorageID, ev.MessageID)
				}
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return task, nil
}
