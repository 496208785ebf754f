package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/castellan/quarry/cluster"
	"github.com/castellan/quarry/logger"
)

// RecoverCmd forces a recovery sweep from the command line, for operators
// cleaning up after an outage without waiting for a surviving node's next
// heartbeat.
var RecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Sweep work held by stale cluster instances",
	Long: `Detect stale cluster members by their declared check-in intervals and
recover everything they held: orphaned triggers return to waiting,
recoverable executions are re-fired, and their job blocks are released.`,
	RunE: runRecover,
}

var recoverAllFlag bool

func init() {
	RecoverCmd.Flags().BoolVar(&recoverAllFlag, "all", false, "Treat every instance as dead (only safe with all nodes stopped)")
}

func runRecover(cmd *cobra.Command, args []string) error {
	log := logger.Named("recover")
	cfg, conn, st, err := openStores(log)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := cmd.Context()
	members, err := st.checkIns.List(ctx, cfg.Scheduler.Name)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var live, dead []string
	for _, member := range members {
		deadline := time.Duration(float64(member.Interval) * cfg.Cluster.CheckInStaleMultiplier)
		if recoverAllFlag || now.Sub(member.LastCheckIn) > deadline {
			dead = append(dead, member.Instance)
			continue
		}
		live = append(live, member.Instance)
	}

	if len(dead) == 0 && !recoverAllFlag {
		fmt.Println("All cluster members are live; nothing to recover.")
		return nil
	}

	recoverer := cluster.NewRecoverer(
		st.jobs, st.triggers, st.blocked, st.checkIns,
		cfg.Scheduler.Name, cfg.Cluster.RecoveryPerSecond, log,
	)
	if err := recoverer.Sweep(ctx, live, dead); err != nil {
		return err
	}

	fmt.Printf("Recovery sweep done: %d stale instance(s) cleaned up.\n", len(dead))
	return nil
}
