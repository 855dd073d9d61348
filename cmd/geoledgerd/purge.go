package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"geoledger/internal/retention"
)

func newPurgeCmd(cfgPath *string) *cobra.Command {
	var (
		space  string
		branch string
		below  int64
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove history below a version, or enforce versionsToKeep on every space",
		Long: `Without --space, purge sweeps every space down to its versionsToKeep.
With --space and --below, it purges that lineage below the given version; the
protected refs policy decides what happens to tags and fork points below it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if space == "" && (branch != "" || below != 0) {
				return fmt.Errorf("--branch and --below require --space")
			}
			if space != "" && below <= 0 {
				return fmt.Errorf("--below must be > 0")
			}
			_, svc, log, closeBackend, err := openService(*cfgPath)
			if err != nil {
				return err
			}
			defer closeBackend()

			var results []retention.Result
			if space == "" {
				results, err = svc.Sweep(cmd.Context())
			} else {
				var res retention.Result
				res, err = svc.Purge(cmd.Context(), space, branch, below)
				results = append(results, res)
			}
			if err != nil {
				return err
			}
			log.WithField("lineages", len(results)).Info("purge finished")
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().StringVar(&space, "space", "", "space to purge")
	cmd.Flags().StringVar(&branch, "branch", "", "branch of the space (default main)")
	cmd.Flags().Int64Var(&below, "below", 0, "purge versions below this one")
	return cmd
}
