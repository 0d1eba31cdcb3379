package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var rawCmd = &cobra.Command{
	Use:   "raw <command> [json arguments]",
	Short: "Send a raw backend command and print the reply",
	Long: `Send a backend command by name with a JSON object of arguments and print
the reply. Interactive commands (Intercept, WatchStorage) are refused.

Example:
  mitmctl raw ListStorage
  mitmctl raw ValidateQuery '{"Query":[[["method","is","GET"]]]}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var cmdArgs map[string]any
		if len(args) == 2 {
			if !gjson.Valid(args[1]) || !gjson.Parse(args[1]).IsObject() {
				return fmt.Errorf("arguments must be a JSON object")
			}
			if err := json.Unmarshal([]byte(args[1]), &cmdArgs); err != nil {
				return err
			}
		}
		return withSession(cmd.Context(), func(s *session) error {
			out, err := s.c.Conn().Raw(args[0], cmdArgs)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), gjson.GetBytes(out, "@pretty").Raw)
			return nil
		})
	},
}
