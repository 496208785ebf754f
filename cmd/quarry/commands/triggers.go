package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/castellan/quarry/logger"
	"github.com/castellan/quarry/store"
)

// TriggersCmd inspects stored triggers.
var TriggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Inspect stored triggers",
	Long: `Inspect the trigger table of the configured deployment.

Examples:
  quarry triggers ls                    # All groups
  quarry triggers ls --group etl        # One group
  quarry triggers state etl hourly      # One trigger's lifecycle state`,
}

var triggersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List triggers with state, holder, and next fire time",
	RunE:  runTriggersLs,
}

var triggersStateCmd = &cobra.Command{
	Use:   "state <group> <name>",
	Short: "Show one trigger's lifecycle state",
	Args:  cobra.ExactArgs(2),
	RunE:  runTriggersState,
}

var triggersGroupFlag string

func init() {
	TriggersCmd.AddCommand(triggersLsCmd)
	TriggersCmd.AddCommand(triggersStateCmd)
	triggersLsCmd.Flags().StringVar(&triggersGroupFlag, "group", "", "Limit to one trigger group")
}

func runTriggersLs(cmd *cobra.Command, args []string) error {
	cfg, conn, st, err := openStores(logger.Named("triggers"))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := cmd.Context()
	groups := []string{triggersGroupFlag}
	if triggersGroupFlag == "" {
		groups, err = st.triggers.Groups(ctx, cfg.Scheduler.Name)
		if err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tNAME\tSTATE\tNEXT FIRE (UTC)\tHOLDER")
	for _, group := range groups {
		triggers, err := st.triggers.ListByGroup(ctx, cfg.Scheduler.Name, group)
		if err != nil {
			return err
		}
		for _, trigger := range triggers {
			next := "-"
			if trigger.NextFireUTC != nil {
				next = trigger.NextFireUTC.Format("2006-01-02 15:04:05.000")
			}
			holder := trigger.HolderInstance
			if holder == "" {
				holder = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", trigger.Group, trigger.Name, trigger.State, next, holder)
		}
	}
	return w.Flush()
}

func runTriggersState(cmd *cobra.Command, args []string) error {
	cfg, conn, st, err := openStores(logger.Named("triggers"))
	if err != nil {
		return err
	}
	defer conn.Close()

	state, err := st.triggers.GetState(cmd.Context(), cfg.Scheduler.Name, store.NewKey(args[0], args[1]))
	if err != nil {
		return err
	}
	fmt.Println(state)
	return nil
}
