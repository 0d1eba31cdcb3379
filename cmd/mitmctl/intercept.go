package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/mitmctl/internal/intercept"
)

var interceptCmd = &cobra.Command{
	Use:   "intercept",
	Short: "Pause live traffic and decide on each message",
	Long: `Pause live proxy traffic and decide on each message in turn.

For every paused message choose:
  f  forward it unchanged
  e  edit it in $EDITOR, then forward the edited version
  d  drop it
  q  drop everything still paused and quit

The kinds paused default to the intercept section of the config file.`,
	RunE: runIntercept,
}

func init() {
	f := interceptCmd.Flags()
	f.Bool("requests", false, "pause requests")
	f.Bool("responses", false, "pause responses")
	f.Bool("websocket", false, "pause websocket messages")
	f.String("editor", "", "editor command (default $VISUAL, $EDITOR, then vi)")
}

func runIntercept(cmd *cobra.Command, args []string) error {
	caps := intercept.Capabilities{
		Requests:  cfg.Intercept.Requests,
		Responses: cfg.Intercept.Responses,
		Websocket: cfg.Intercept.Websocket,
	}
	f := cmd.Flags()
	if f.Changed("requests") || f.Changed("responses") || f.Changed("websocket") {
		caps.Requests, _ = f.GetBool("requests")
		caps.Responses, _ = f.GetBool("responses")
		caps.Websocket, _ = f.GetBool("websocket")
	}
	if !caps.Any() {
		return fmt.Errorf("nothing to intercept, enable requests, responses or websocket")
	}
	editor, _ := f.GetString("editor")
	if editor == "" {
		editor = cfg.Intercept.Editor
	}

	ctx := cmd.Context()
	return withSession(ctx, func(s *session) error {
		sess, err := s.c.InterceptQueue(ctx, caps)
		if err != nil {
			return err
		}
		defer sess.Close()

		in := newChoiceReader(cmd.InOrStdin())
		defer in.Close()
		d := &decider{
			in:   in,
			out:  cmd.OutOrStdout(),
			edit: externalEditor(editor),
		}
		fmt.Fprintln(d.out, "waiting for traffic, q quits")
		for {
			m, err := sess.Next(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, intercept.ErrQueueClosed) {
					return nil
				}
				return err
			}
			quit, err := d.decide(ctx, m)
			if err != nil {
				return err
			}
			if quit {
				n, _ := sess.CancelAll()
				if n > 0 {
					fmt.Fprintf(d.out, "dropped %d paused messages\n", n)
				}
				return nil
			}
		}
	})
}

// choiceReader reads one-letter answers.
type choiceReader interface {
	ReadChoice() (byte, error)
	Close() error
}

// newChoiceReader reads single keystrokes when in is a terminal and whole
// lines otherwise.
func newChoiceReader(in io.Reader) choiceReader {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return &rawChoices{f: f}
	}
	return &lineChoices{r: bufio.NewReader(in)}
}

type rawChoices struct {
	f *os.File
}

func (r *rawChoices) ReadChoice() (byte, error) {
	fd := int(r.f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return 0, err
	}
	defer term.Restore(fd, state)
	var b [1]byte
	if _, err := r.f.Read(b[:]); err != nil {
		return 0, err
	}
	// ctrl-c and ctrl-d arrive as bytes in raw mode
	if b[0] == 3 || b[0] == 4 {
		return 'q', nil
	}
	return b[0], nil
}

func (r *rawChoices) Close() error { return nil }

type lineChoices struct {
	r *bufio.Reader
}

func (l *lineChoices) ReadChoice() (byte, error) {
	for {
		line, err := l.r.ReadString('\n')
		if s := strings.TrimSpace(line); s != "" {
			return s[0], nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 'q', nil
			}
			return 0, err
		}
	}
}

func (l *lineChoices) Close() error { return nil }

// decider asks the user about one message at a time.
type decider struct {
	in   choiceReader
	out  io.Writer
	edit func(ctx context.Context, raw []byte) ([]byte, error)
}

// decide settles m. It reports quit when the user asked to stop.
func (d *decider) decide(ctx context.Context, m *intercept.Message) (quit bool, err error) {
	fmt.Fprintln(d.out, describeMessage(m))
	for {
		if m.State() != intercept.Pending {
			fmt.Fprintln(d.out, "  already decided")
			return false, nil
		}
		fmt.Fprint(d.out, "  [f]orward [e]dit [d]rop [q]uit? ")
		c, err := d.in.ReadChoice()
		if err != nil {
			return false, err
		}
		fmt.Fprintln(d.out)
		switch c {
		case 'f', 'F', '\r', '\n':
			return false, ignoreDecided(m.Forward())
		case 'd', 'D':
			return false, ignoreDecided(m.Drop())
		case 'q', 'Q':
			return true, ignoreDecided(m.Drop())
		case 'e', 'E':
			edited, err := d.edit(ctx, m.Raw())
			if err != nil {
				fmt.Fprintf(d.out, "  editor: %v\n", err)
				continue
			}
			if err := m.ForwardRaw(edited); err != nil {
				if errors.Is(err, intercept.ErrAlreadyDecided) {
					return false, nil
				}
				fmt.Fprintf(d.out, "  %v\n", err)
				continue
			}
			return false, nil
		}
	}
}

// ignoreDecided treats a message decided elsewhere (canceled on shutdown)
// as settled.
func ignoreDecided(err error) error {
	if errors.Is(err, intercept.ErrAlreadyDecided) {
		return nil
	}
	return err
}

func describeMessage(m *intercept.Message) string {
	switch m.Kind {
	case intercept.KindRequest:
		return fmt.Sprintf("request  %s %s", m.Request.Method, m.Request.FullURL())
	case intercept.KindResponse:
		target := ""
		if m.Request != nil {
			target = " for " + m.Request.FullURL()
		}
		return fmt.Sprintf("response %d %s%s", m.Response.StatusCode, m.Response.Reason, target)
	default:
		dir := "server -> client"
		if m.WSMessage.ToServer {
			dir = "client -> server"
		}
		return fmt.Sprintf("websocket %s, %d bytes", dir, len(m.WSMessage.Message))
	}
}

// editorArgv splits the editor command, falling back to $VISUAL, $EDITOR
// and vi.
func editorArgv(editor string) ([]string, error) {
	for _, e := range []string{editor, os.Getenv("VISUAL"), os.Getenv("EDITOR")} {
		if strings.TrimSpace(e) != "" {
			argv, err := shellquote.Split(e)
			if err != nil {
				return nil, fmt.Errorf("editor %q: %w", e, err)
			}
			return argv, nil
		}
	}
	return []string{"vi"}, nil
}

// externalEditor returns an edit func that opens raw in an editor on the
// controlling terminal.
func externalEditor(editor string) func(context.Context, []byte) ([]byte, error) {
	return func(ctx context.Context, raw []byte) ([]byte, error) {
		argv, err := editorArgv(editor)
		if err != nil {
			return nil, err
		}
		f, err := os.CreateTemp("", "mitmctl-*.http")
		if err != nil {
			return nil, err
		}
		path := f.Name()
		defer os.Remove(path)
		if _, err := f.Write(raw); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}

		c := exec.CommandContext(ctx, argv[0], append(argv[1:], path)...)
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := c.Run(); err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}
}
