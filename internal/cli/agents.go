package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/banca/pkg/roster"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents with their tools and transfer targets",
	RunE:  runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "print definitions as JSON")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	defs := roster.DefaultDefinitions()
	if cfg.Agents.DefinitionsFile != "" {
		if defs, err = roster.LoadDefinitions(cfg.Agents.DefinitionsFile, defs); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if agentsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tTOOLS\tTRANSFERS")
	for _, def := range defs {
		transfers := make([]string, len(def.Transfers))
		for i, t := range def.Transfers {
			transfers[i] = string(t)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", def.ID, joinOrDash(def.Tools), joinOrDash(transfers))
	}
	return w.Flush()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
