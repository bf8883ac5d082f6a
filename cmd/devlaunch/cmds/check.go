package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/devlaunch/pkg/preflight"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var strict bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the advisory preflight checks (working dir, commands on PATH, .env)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			findings := preflight.Run(preflightOptions(cfg))
			if asJSON {
				b, err := json.MarshalIndent(map[string]any{"findings": findings}, "", "  ")
				if err != nil {
					return errors.Wrap(err, "marshal findings")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			} else {
				rows := make([][]string, 0, len(findings))
				for _, f := range findings {
					rows = append(rows, []string{f.Check, string(f.Severity), f.Message})
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"CHECK", "RESULT", "DETAIL"}, rows))
			}

			if strict && preflight.HasErrors(findings) {
				return errors.New("preflight checks failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when a check reports an error")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print findings as JSON")
	return cmd
}
