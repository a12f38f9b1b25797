package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fileforge/converter"
	"fileforge/routes"
)

var rootCmd = &cobra.Command{
	Use:   "fileforge",
	Short: "File conversion server",
	Long: `Fileforge converts uploaded files with external tools (ImageMagick,
cwebp, avifenc, qpdf, poppler, qrencode) behind a rate-limited HTTP API.

Short conversions answer inline; long ones become jobs that can be polled
or followed over a websocket until their result is fetched.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(routes.BuildInfo())
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List conversion tools and whether they can run on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := converter.NewRegistry()
		converter.RegisterDefaults(reg)

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCOMMAND\tMODE\tAVAILABLE\tDESCRIPTION")
		for _, t := range reg.List() {
			mode := "sync"
			if t.Async {
				mode = "async"
			}
			command := t.Command
			if command == "" {
				command = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", t.Name, command, mode, t.Available, t.Description)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd, toolsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
