package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/mitmctl/internal/daemon"
)

var listenerCmd = &cobra.Command{
	Use:   "listener",
	Short: "Manage proxy listeners",
}

var listenerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open listeners",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			ls, err := s.c.Conn().GetListeners()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tADDR")
			for _, l := range ls {
				fmt.Fprintf(tw, "%d\t%s\n", l.ID, l.Addr)
			}
			return tw.Flush()
		})
	},
}

var listenerAddCmd = &cobra.Command{
	Use:   "add <host:port>",
	Short: "Open a proxy listener",
	Long: `Open a proxy listener. With --dest the listener is transparent and sends
everything it accepts to that destination.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, port, err := splitDest(args[0], 0)
		if err != nil {
			return err
		}
		if port == 0 {
			return fmt.Errorf("listener %q needs a port", args[0])
		}
		lc := daemon.ListenerConfig{Host: host, Port: port}
		if dest, _ := cmd.Flags().GetString("dest"); dest != "" {
			useTLS, _ := cmd.Flags().GetBool("tls")
			defPort := 80
			if useTLS {
				defPort = 443
			}
			dh, dp, err := splitDest(dest, defPort)
			if err != nil {
				return err
			}
			lc.Transparent, lc.DestHost, lc.DestPort, lc.DestUseTLS = true, dh, dp, useTLS
		}
		return withSession(cmd.Context(), func(s *session) error {
			id, err := s.c.Conn().AddListener(lc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var listenerRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Close a listener",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad listener id %q", args[0])
		}
		return withSession(cmd.Context(), func(s *session) error {
			return s.c.Conn().RemoveListener(id)
		})
	},
}

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage the CA used to sign intercepted TLS connections",
}

var certsLoadCmd = &cobra.Command{
	Use:   "load <cert file> <key file>",
	Short: "Sign with a CA read by the backend from disk",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			return s.c.Conn().LoadCertificates(args[0], args[1])
		})
	},
}

var certsSetCmd = &cobra.Command{
	Use:   "set <cert file> <key file>",
	Short: "Sign with a CA read from local files",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		certPEM, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		keyPEM, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(s *session) error {
			return s.c.Conn().SetCertificates(string(keyPEM), string(certPEM))
		})
	},
}

var certsGenerateCmd = &cobra.Command{
	Use:   "generate <dir>",
	Short: "Create a new CA",
	Long: `Create a new CA and write server.key and server.pem into dir.
With --local the backend returns the PEM data and mitmctl writes the files,
which works when the backend runs on another machine.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")
		keyFile := filepath.Join(args[0], "server.key")
		certFile := filepath.Join(args[0], "server.pem")
		return withSession(cmd.Context(), func(s *session) error {
			if !local {
				return s.c.Conn().GenerateCertificates(keyFile, certFile)
			}
			pems, err := s.c.Conn().GeneratePEMCertificates()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(args[0], 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(keyFile, []byte(pems.KeyPEM), 0o600); err != nil {
				return err
			}
			return os.WriteFile(certFile, []byte(pems.CertPEM), 0o644)
		})
	},
}

var certsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Unload the CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			return s.c.Conn().ClearCertificates()
		})
	},
}

var upstreamCmd = &cobra.Command{
	Use:   "upstream [host:port]",
	Short: "Route backend traffic through an upstream proxy",
	Long: `Route the backend's outgoing traffic through an upstream HTTP or SOCKS
proxy. --off disables the upstream proxy.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		var p daemon.UpstreamProxy
		if !off {
			if len(args) == 0 {
				return fmt.Errorf("need host:port or --off")
			}
			host, port, err := splitDest(args[0], 0)
			if err != nil {
				return err
			}
			if port == 0 {
				return fmt.Errorf("upstream %q needs a port", args[0])
			}
			p.Enabled, p.Host, p.Port = true, host, port
			p.SOCKS, _ = cmd.Flags().GetBool("socks")
			p.Username, _ = cmd.Flags().GetString("user")
			p.Password, _ = cmd.Flags().GetString("password")
			p.UseCreds = p.Username != ""
		}
		return withSession(cmd.Context(), func(s *session) error {
			return s.c.Conn().SetProxy(p)
		})
	},
}

func init() {
	listenerAddCmd.Flags().String("dest", "", "transparent destination host[:port]")
	listenerAddCmd.Flags().Bool("tls", false, "use TLS to the transparent destination")
	listenerCmd.AddCommand(listenerListCmd)
	listenerCmd.AddCommand(listenerAddCmd)
	listenerCmd.AddCommand(listenerRemoveCmd)

	certsGenerateCmd.Flags().Bool("local", false, "write the files locally")
	certsCmd.AddCommand(certsLoadCmd)
	certsCmd.AddCommand(certsSetCmd)
	certsCmd.AddCommand(certsGenerateCmd)
	certsCmd.AddCommand(certsClearCmd)

	f := upstreamCmd.Flags()
	f.Bool("off", false, "disable the upstream proxy")
	f.Bool("socks", false, "the upstream is a SOCKS proxy")
	f.String("user", "", "upstream username")
	f.String("password", "", "upstream password")
}
