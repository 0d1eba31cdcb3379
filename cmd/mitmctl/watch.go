package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/mitmctl/internal/client"
	"github.com/standardbeagle/mitmctl/internal/daemon"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print storage changes as they happen",
	Long: `Print one line per change to a storage until interrupted.
Without --storage every storage is watched.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("storage", "", "watch only the storage with this prefix")
	watchCmd.Flags().Bool("headers-only", true, "decode changed requests without bodies")
}

func runWatch(cmd *cobra.Command, args []string) error {
	headersOnly, _ := cmd.Flags().GetBool("headers-only")
	ctx := cmd.Context()
	return withSession(ctx, func(s *session) error {
		st, err := lookupStorage(cmd, s.c)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		task, err := s.c.Watch(ctx, st, headersOnly, func(ev *daemon.WatchEvent) error {
			printEvent(out, s.c, ev)
			return nil
		})
		if err != nil {
			return err
		}
		err = task.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

func printEvent(w io.Writer, c *client.Client, ev *daemon.WatchEvent) {
	switch {
	case ev.Request != nil:
		r := ev.Request
		status := "-"
		if r.Response != nil {
			status = fmt.Sprint(r.Response.StatusCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\n", ev.Action, c.GetRequestID(r), r.Method, r.FullURL(), status)
	case ev.Response != nil:
		fmt.Fprintf(w, "%s\tresponse %s\t%d %s\n", ev.Action, ev.Response.DbID, ev.Response.StatusCode, ev.Response.Reason)
	case ev.WSMessage != nil:
		dir := "<-"
		if ev.WSMessage.ToServer {
			dir = "->"
		}
		fmt.Fprintf(w, "%s\twebsocket %s\t%s %d bytes\n", ev.Action, ev.WSMessage.DbID, dir, len(ev.WSMessage.Message))
	default:
		fmt.Fprintf(w, "%s\tstorage %d\t%s\n", ev.Action, ev.StorageID, ev.MessageID)
	}
}
