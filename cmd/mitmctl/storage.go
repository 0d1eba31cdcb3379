package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/mitmctl/internal/client"
	"github.com/standardbeagle/mitmctl/internal/query"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Manage backend storages",
	Long: `Manage the storages the backend saves traffic in.

Every storage is routed by a prefix: the empty prefix or a single letter
other than u and s. Request ids start with their storage's prefix.`,
}

var storageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open storages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			proxy, inmem := s.c.ProxyStorage(), s.c.InMemoryStorage()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tPREFIX\tROLE")
			for _, st := range s.c.Storages().List() {
				role := ""
				switch st {
				case proxy:
					role = "proxy"
				case inmem:
					role = "in-memory"
				}
				fmt.Fprintf(tw, "%d\t%s\t%q\t%s\n", st.ID, st.Kind, st.Prefix(), role)
			}
			return tw.Flush()
		})
	},
}

var storageAddCmd = &cobra.Command{
	Use:   "add <prefix> [sqlite file]",
	Short: "Open a storage",
	Long: `Open a storage on the given prefix. With a file argument the storage is
a sqlite database, otherwise it lives in the backend's memory.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			var (
				st  *client.Storage
				err error
			)
			if len(args) == 2 {
				st, err = s.c.AddSQLiteStorage(args[1], args[0])
			} else {
				st, err = s.c.AddInMemoryStorage(args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		})
	},
}

var storageCloseCmd = &cobra.Command{
	Use:   "close <prefix>",
	Short: "Close a storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			st, err := storageByPrefix(s.c, args[0])
			if err != nil {
				return err
			}
			return s.c.CloseStorage(st)
		})
	},
}

var storageProxyCmd = &cobra.Command{
	Use:   "proxy <prefix>",
	Short: "Save proxied traffic in a storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			st, err := storageByPrefix(s.c, args[0])
			if err != nil {
				return err
			}
			return s.c.SetProxyStorage(st)
		})
	},
}

var savedCmd = &cobra.Command{
	Use:   "saved",
	Short: "Manage saved queries",
}

var savedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			st, err := lookupStorage(cmd, s.c)
			if err != nil {
				return err
			}
			saved, err := s.c.AllSavedQueries(st)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range slices.Sorted(maps.Keys(saved)) {
				fmt.Fprintf(tw, "%s\t%s\n", name, query.Format(saved[name]))
			}
			return tw.Flush()
		})
	},
}

var savedSaveCmd = &cobra.Command{
	Use:   "save <name> <filter text>",
	Short: "Save a query under a name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := query.Parse(args[1])
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(s *session) error {
			st, err := lookupStorage(cmd, s.c)
			if err != nil {
				return err
			}
			if err := s.c.ValidateQuery(q); err != nil {
				return err
			}
			return s.c.SaveQuery(args[0], q, st)
		})
	},
}

var savedLoadCmd = &cobra.Command{
	Use:   "load <name>",
	Short: "Print a saved query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			st, err := lookupStorage(cmd, s.c)
			if err != nil {
				return err
			}
			q, err := s.c.LoadQuery(args[0], st)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), query.Format(q))
			return nil
		})
	},
}

var savedDeleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a saved query",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			st, err := lookupStorage(cmd, s.c)
			if err != nil {
				return err
			}
			return s.c.DeleteQuery(args[0], st)
		})
	},
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Read and write plugin values kept in a storage",
}

var pluginGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a plugin value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			st, err := lookupStorage(cmd, s.c)
			if err != nil {
				return err
			}
			val, err := s.c.GetPluginValue(args[0], st)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		})
	},
}

var pluginSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a plugin value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			st, err := lookupStorage(cmd, s.c)
			if err != nil {
				return err
			}
			return s.c.SetPluginValue(args[0], args[1], st)
		})
	},
}

func init() {
	storageCmd.AddCommand(storageListCmd)
	storageCmd.AddCommand(storageAddCmd)
	storageCmd.AddCommand(storageCloseCmd)
	storageCmd.AddCommand(storageProxyCmd)

	for _, c := range []*cobra.Command{savedCmd, pluginCmd} {
		c.PersistentFlags().String("storage", "", "storage prefix (default the proxy storage)")
	}
	savedCmd.AddCommand(savedListCmd)
	savedCmd.AddCommand(savedSaveCmd)
	savedCmd.AddCommand(savedLoadCmd)
	savedCmd.AddCommand(savedDeleteCmd)

	pluginCmd.AddCommand(pluginGetCmd)
	pluginCmd.AddCommand(pluginSetCmd)
}

// storageByPrefix resolves a prefix argument. A storage id written as
// "#<id>" is accepted too, since the empty prefix is awkward to type.
func storageByPrefix(c *client.Client, arg string) (*client.Storage, error) {
	if len(arg) > 1 && arg[0] == '#' {
		id, err := strconv.Atoi(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("bad storage id %q", arg)
		}
		st, ok := c.Storages().ByID(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", client.ErrUnknownStorage, id)
		}
		return st, nil
	}
	st, ok := c.Storages().ByPrefix(arg)
	if !ok {
		return nil, fmt.Errorf("%w: %q", client.ErrUnknownPrefix, arg)
	}
	return st, nil
}
