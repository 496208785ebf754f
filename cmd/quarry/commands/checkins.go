package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/castellan/quarry/logger"
)

// CheckinsCmd inspects cluster membership.
var CheckinsCmd = &cobra.Command{
	Use:   "checkins",
	Short: "Inspect cluster membership",
}

var checkinsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cluster members with staleness",
	RunE:  runCheckinsLs,
}

func init() {
	CheckinsCmd.AddCommand(checkinsLsCmd)
}

func runCheckinsLs(cmd *cobra.Command, args []string) error {
	cfg, conn, st, err := openStores(logger.Named("checkins"))
	if err != nil {
		return err
	}
	defer conn.Close()

	members, err := st.checkIns.List(cmd.Context(), cfg.Scheduler.Name)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tSTATE\tLAST CHECK-IN\tAGE\tVERDICT")
	for _, member := range members {
		verdict := "live"
		deadline := time.Duration(float64(member.Interval) * cfg.Cluster.CheckInStaleMultiplier)
		if now.Sub(member.LastCheckIn) > deadline {
			verdict = "stale"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			member.Instance,
			member.State,
			member.LastCheckIn.Format(time.RFC3339),
			now.Sub(member.LastCheckIn).Round(time.Millisecond),
			verdict,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(members) == 0 {
		fmt.Println("No cluster members checked in.")
	}
	return nil
}
