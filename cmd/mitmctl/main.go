// Command mitmctl drives an intercepting HTTP proxy backend from the shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/mitmctl/internal/config"
)

const (
	appName    = "mitmctl"
	appVersion = "0.3.0"
)

var (
	cfgFile string
	cfg     *config.Config
	v       = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Control client for an intercepting HTTP proxy",
	Long: `mitmctl talks to an intercepting HTTP/websocket proxy backend over its
line-delimited JSON control protocol.

It can submit and replay requests, query and tag stored traffic, manage
storages and listeners, watch storages for changes and pause live traffic
for editing.

When no backend address is given, the backend binary is launched for the
duration of the command.`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v{{.Version}}\n", appName))

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default "+config.GlobalConfigPath()+")")
	pf.String("addr", "", "backend address (tcp:host:port or unix:path)")
	pf.String("binary", "", "backend binary to launch when no address is given")
	pf.String("listen", "", "fixed message address for a launched backend")
	pf.Bool("debug", false, "backend and wire-level debug output")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-file", "", "also write JSON logs to this file")
	pf.Bool("journal", false, "record intercept verdicts in the local journal")

	_ = v.BindPFlag("backend.addr", pf.Lookup("addr"))
	_ = v.BindPFlag("backend.binary", pf.Lookup("binary"))
	_ = v.BindPFlag("backend.listen-addr", pf.Lookup("listen"))
	_ = v.BindPFlag("backend.debug", pf.Lookup("debug"))
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.file", pf.Lookup("log-file"))
	_ = v.BindPFlag("journal.enabled", pf.Lookup("journal"))

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(scopeCmd)
	rootCmd.AddCommand(savedCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(listenerCmd)
	rootCmd.AddCommand(certsCmd)
	rootCmd.AddCommand(upstreamCmd)
	rootCmd.AddCommand(pluginCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(interceptCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(rawCmd)
}

// loadConfig reads the config file, then layers flags and MITMCTL_*
// variables on top.
func loadConfig() error {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadConfigFile(cfgFile)
	} else {
		cfg, err = config.LoadGlobalConfig()
	}
	if err != nil {
		return err
	}
	config.ApplyOverrides(cfg, v)
	return cfg.Validate()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
