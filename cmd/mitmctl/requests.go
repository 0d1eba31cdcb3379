package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/mitmctl/internal/client"
	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/query"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the backend answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			if err := s.c.Conn().Ping(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backend at %s is alive\n", s.c.Addr())
			return nil
		})
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Send a raw HTTP request through the proxy",
	Long: `Send a raw HTTP request read from a file (or stdin) through the proxy.

The destination defaults to the Host header; --dest overrides it.
With --save the request is stored in the proxy storage, with --inmem in
the in-memory storage. --no-send stores the request without sending it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var queryCmd = &cobra.Command{
	Use:   "query [filter text]",
	Short: "List stored requests matching a query",
	Long: `List stored requests matching a query.

Filters are written as shell words, e.g. 'host ctr example.com'. Filters
joined with OR form a phrase; phrases joined with AND must all match.
Without --storage every storage is searched, newest request first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a stored request and its response",
	Long: `Print a stored request and its response.

Request ids are a storage prefix followed by the database id. Prefix u
selects the unmangled version of an edited request and s the unmangled
response.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

var checkCmd = &cobra.Command{
	Use:   "check <filter text> <id>",
	Short: "Test whether a stored request matches a query",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := query.Parse(args[0])
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(s *session) error {
			ok, err := s.c.CheckRequestID(q, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		})
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Manage request tags",
}

var tagAddCmd = &cobra.Command{
	Use:   "add <id> <tag>...",
	Short: "Add tags to a request",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			for _, tag := range args[1:] {
				if err := s.c.AddTag(args[0], tag); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var tagRemoveCmd = &cobra.Command{
	Use:     "rm <id> <tag>...",
	Aliases: []string{"remove"},
	Short:   "Remove tags from a request",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			for _, tag := range args[1:] {
				if err := s.c.RemoveTag(args[0], tag); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var tagClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Remove every tag from a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			return s.c.ClearTags(args[0])
		})
	},
}

var scopeCmd = &cobra.Command{
	Use:   "scope [filter text]",
	Short: "Show or set the backend scope",
	Long: `Show the backend scope, or replace it with the given query.
--clear removes the custom scope.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScope,
}

func init() {
	f := submitCmd.Flags()
	f.String("dest", "", "destination host[:port], default from the Host header")
	f.Bool("tls", false, "connect to the destination with TLS")
	f.Bool("save", false, "save the request in the proxy storage")
	f.Bool("inmem", false, "save the request in the in-memory storage")
	f.String("storage", "", "save the request in the storage with this prefix")
	f.Bool("no-send", false, "store the request without sending it")
	f.StringSlice("tag", nil, "tag the request")

	f = queryCmd.Flags()
	f.String("storage", "", "search only the storage with this prefix")
	f.Int("max", 0, "maximum number of results (0 for all)")
	f.Bool("headers-only", true, "fetch without bodies")
	f.Bool("scope", false, "also apply the backend scope")
	f.Bool("validate", false, "only validate the query")
	f.Bool("yaml", false, "print YAML instead of a table")

	f = showCmd.Flags()
	f.Bool("yaml", false, "print a YAML summary instead of the raw messages")
	f.Bool("request-only", false, "print only the request")

	scopeCmd.Flags().Bool("clear", false, "clear the custom scope")

	tagCmd.AddCommand(tagAddCmd)
	tagCmd.AddCommand(tagRemoveCmd)
	tagCmd.AddCommand(tagClearCmd)
	rootCmd.AddCommand(checkCmd)
}

// splitDest parses "host[:port]" with a default port.
func splitDest(dest string, defPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		return dest, defPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port in %q", dest)
	}
	return host, port, nil
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

// lookupStorage maps a --storage flag to a handle. An unset flag is nil,
// meaning the proxy storage.
func lookupStorage(cmd *cobra.Command, c *client.Client) (*client.Storage, error) {
	if !cmd.Flags().Changed("storage") {
		return nil, nil
	}
	prefix, _ := cmd.Flags().GetString("storage")
	st, ok := c.Storages().ByPrefix(prefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q", client.ErrUnknownPrefix, prefix)
	}
	return st, nil
}

// buildRequest parses raw and fills in the destination.
func buildRequest(cmd *cobra.Command, raw []byte) (*model.Request, error) {
	useTLS, _ := cmd.Flags().GetBool("tls")
	dest, _ := cmd.Flags().GetString("dest")
	defPort := 80
	if useTLS {
		defPort = 443
	}
	if dest == "" {
		req, err := model.ParseRequest(raw, "", defPort, useTLS)
		if err != nil {
			return nil, err
		}
		h, ok := req.Headers.Get("Host")
		if !ok || h == "" {
			return nil, fmt.Errorf("request has no Host header, use --dest")
		}
		dest = h
	}
	host, port, err := splitDest(dest, defPort)
	if err != nil {
		return nil, err
	}
	return model.ParseRequest(raw, host, port, useTLS)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	raw, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	req, err := buildRequest(cmd, raw)
	if err != nil {
		return err
	}
	tags, _ := cmd.Flags().GetStringSlice("tag")
	for _, t := range tags {
		req.Tags.Add(t)
	}
	save, _ := cmd.Flags().GetBool("save")
	inmem, _ := cmd.Flags().GetBool("inmem")
	noSend, _ := cmd.Flags().GetBool("no-send")

	return withSession(cmd.Context(), func(s *session) error {
		st, err := lookupStorage(cmd, s.c)
		if err != nil {
			return err
		}
		opts := client.SubmitOptions{Save: save, InMemory: inmem, Storage: st}
		out := cmd.OutOrStdout()
		if noSend {
			id, err := s.c.SaveNew(req, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, id)
			return nil
		}
		if err := s.c.Submit(req, opts); err != nil {
			return err
		}
		if req.DbID != "" {
			fmt.Fprintf(out, "saved as %s\n", s.c.GetRequestID(req))
		}
		if req.Response != nil {
			out.Write(req.Response.FullMessage())
			fmt.Fprintln(out)
		}
		return nil
	})
}

func runQuery(cmd *cobra.Command, args []string) error {
	text := ""
	if len(args) == 1 {
		text = args[0]
	}
	q, err := query.Parse(text)
	if err != nil {
		return err
	}
	maxResults, _ := cmd.Flags().GetInt("max")
	headersOnly, _ := cmd.Flags().GetBool("headers-only")
	withScope, _ := cmd.Flags().GetBool("scope")
	validate, _ := cmd.Flags().GetBool("validate")
	asYAML, _ := cmd.Flags().GetBool("yaml")

	return withSession(cmd.Context(), func(s *session) error {
		if validate {
			if err := s.c.ValidateQuery(q); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}

		rc := s.c.Context()
		if withScope {
			scope, err := s.c.Conn().GetScope()
			if err != nil {
				return err
			}
			if err := rc.SetQuery(scope.Query); err != nil {
				return err
			}
		}
		for _, p := range q {
			if err := rc.ApplyPhrase(p); err != nil {
				return err
			}
		}

		st, err := lookupStorage(cmd, s.c)
		if err != nil {
			return err
		}
		var reqs []*model.Request
		if st != nil {
			reqs, err = s.c.QueryStorage(cmd.Context(), rc.Query(), client.QueryOptions{
				Storage: st, MaxResults: maxResults, HeadersOnly: headersOnly,
			})
		} else {
			reqs, err = s.c.InContextRequests(cmd.Context(), headersOnly, maxResults)
		}
		if err != nil {
			return err
		}
		if asYAML {
			out := make([]requestSummary, 0, len(reqs))
			for _, r := range reqs {
				out = append(out, summarize(s.c, r))
			}
			return printYAML(cmd.OutOrStdout(), out)
		}
		return printRequests(cmd.OutOrStdout(), s.c, reqs)
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	asYAML, _ := cmd.Flags().GetBool("yaml")
	requestOnly, _ := cmd.Flags().GetBool("request-only")
	return withSession(cmd.Context(), func(s *session) error {
		req, err := s.c.RequestByID(args[0], false)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asYAML {
			return printYAML(out, summarize(s.c, req))
		}
		out.Write(req.FullMessage())
		if requestOnly || req.Response == nil {
			fmt.Fprintln(out)
			return nil
		}
		fmt.Fprintf(out, "\n\n%s\n\n", strings.Repeat("-", 40))
		out.Write(req.Response.FullMessage())
		fmt.Fprintln(out)
		return nil
	})
}

func runScope(cmd *cobra.Command, args []string) error {
	clearScope, _ := cmd.Flags().GetBool("clear")
	return withSession(cmd.Context(), func(s *session) error {
		conn := s.c.Conn()
		switch {
		case clearScope:
			return conn.SetScope(query.Query{})
		case len(args) == 1:
			q, err := query.Parse(args[0])
			if err != nil {
				return err
			}
			if err := s.c.ValidateQuery(q); err != nil {
				return err
			}
			return conn.SetScope(q)
		}
		scope, err := conn.GetScope()
		if err != nil {
			return err
		}
		if !scope.IsCustom {
			fmt.Fprintln(cmd.OutOrStdout(), "(no custom scope)")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), query.Format(scope.Query))
		return nil
	})
}
