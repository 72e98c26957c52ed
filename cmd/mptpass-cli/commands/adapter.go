package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/mptpass/pkg/ptapi"
)

// NewAdapterCmd creates the adapter command group
func NewAdapterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "adapter",
		Aliases: []string{"adapters"},
		Short:   "Inspect and control adapters",
	}

	cmd.AddCommand(newAdapterListCmd())
	cmd.AddCommand(newAdapterShowCmd())
	cmd.AddCommand(newAdapterTargetsCmd())
	cmd.AddCommand(newAdapterChangeCountCmd())
	cmd.AddCommand(newAdapterResetCmd())
	cmd.AddCommand(newAdapterBlockCmd(true))
	cmd.AddCommand(newAdapterBlockCmd(false))

	return cmd
}

func newAdapterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			adapters, err := client.ListAdapters(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list adapters: %w", err)
			}

			if wantJSON(cmd) {
				return printJSON(adapters)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTARGETS\tREPLY\tSTATE\tPEL")

			for _, a := range adapters {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%t\n", a.ID, a.Name, a.Targets, a.ReplySize, adapterState(&a), a.PEL.Enabled)
			}

			return w.Flush()
		},
	}
}

func newAdapterShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <adapter-id>",
		Short: "Show adapter details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			a, err := client.Adapter(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get adapter: %w", err)
			}

			if wantJSON(cmd) {
				return printJSON(a)
			}

			printAdapter(a)

			return nil
		},
	}
}

func newAdapterTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets <adapter-id>",
		Short: "List the targets attached to an adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			targets, err := client.Targets(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to list targets: %w", err)
			}

			if wantJSON(cmd) {
				return printJSON(targets)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HANDLE\tPERSISTENT\tTARGET\tBUS\tEXPOSED\tPAGE")

			for _, t := range targets {
				target, bus := "-", "-"
				if t.Exposed {
					target = fmt.Sprintf("%d", t.TargetID)
					bus = fmt.Sprintf("%d", t.BusID)
				}

				page := "-"
				if t.PageSize > 0 {
					page = fmt.Sprintf("%d", t.PageSize)
				}

				fmt.Fprintf(w, "0x%04x\t%d\t%s\t%s\t%t\t%s\n", t.Handle, t.PersistentID, target, bus, t.Exposed, page)
			}

			return w.Flush()
		},
	}
}

func newAdapterChangeCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "changecount <adapter-id>",
		Short: "Show the topology change count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			cc, err := client.ChangeCount(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get change count: %w", err)
			}

			fmt.Println(cc)

			return nil
		},
	}
}

func newAdapterResetCmd() *cobra.Command {
	var diagFault bool

	cmd := &cobra.Command{
		Use:   "reset <adapter-id>",
		Short: "Reset an adapter",
		Long: `Reset an adapter. A soft reset is issued unless --diag-fault is given.
Commands in flight fail and the adapter rejects new ones until the reset
completes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			resetType := ptapi.ResetSoft
			if diagFault {
				resetType = ptapi.ResetDiagFault
			}

			a, err := client.Reset(context.Background(), id, resetType)
			if err != nil {
				return fmt.Errorf("failed to reset adapter: %w", err)
			}

			if wantJSON(cmd) {
				return printJSON(a)
			}

			fmt.Printf("Adapter %d reset (%s), firmware resets: %d\n", a.ID, resetType, a.Firmware.Resets)

			return nil
		},
	}

	cmd.Flags().BoolVar(&diagFault, "diag-fault", false, "Issue a diagnostic fault reset")

	return cmd
}

func newAdapterBlockCmd(block bool) *cobra.Command {
	use, short := "unblock", "Let an adapter accept commands again"
	if block {
		use, short = "block", "Stop an adapter from accepting commands"
	}

	return &cobra.Command{
		Use:   use + " <adapter-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			call := client.Unblock
			if block {
				call = client.Block
			}

			a, err := call(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to %s adapter: %w", use, err)
			}

			fmt.Printf("Adapter %d: %s\n", a.ID, adapterState(a))

			return nil
		},
	}
}

func adapterState(a *ptapi.Adapter) string {
	switch {
	case a.Resetting:
		return "resetting"
	case a.Blocked:
		return "blocked"
	default:
		return "ready"
	}
}

func printAdapter(a *ptapi.Adapter) {
	fmt.Printf("ID:         %d\n", a.ID)
	fmt.Printf("Name:       %s\n", a.Name)
	fmt.Printf("State:      %s\n", adapterState(a))
	fmt.Printf("Reply size: %d\n", a.ReplySize)
	fmt.Printf("Targets:    %d\n", a.Targets)
	fmt.Printf("DMA:        %s / %s\n", FormatSize(a.DMABytes), FormatSize(a.DMALimit))

	if a.PEL.Enabled {
		fmt.Printf("PEL:        class %d, locale 0x%04x\n", a.PEL.Class, a.PEL.Locale)
	} else {
		fmt.Println("PEL:        disabled")
	}

	fmt.Printf("Firmware:   submitted %d, completed %d, stalled %d, dropped %d, resets %d\n",
		a.Firmware.Submitted, a.Firmware.Completed, a.Firmware.Stalled, a.Firmware.Dropped, a.Firmware.Resets)

	if len(a.Recoveries) > 0 {
		causes := make([]string, 0, len(a.Recoveries))
		for c := range a.Recoveries {
			causes = append(causes, c)
		}

		sort.Strings(causes)

		fmt.Println("Recoveries:")

		for _, c := range causes {
			fmt.Printf("  %-22s %d\n", c, a.Recoveries[c])
		}
	}
}

// FormatSize formats a byte size to human-readable format.
func FormatSize(size int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case size >= GB:
		return fmt.Sprintf("%.2f GB", float64(size)/GB)
	case size >= MB:
		return fmt.Sprintf("%.2f MB", float64(size)/MB)
	case size >= KB:
		return fmt.Sprintf("%.2f KB", float64(size)/KB)
	default:
		return fmt.Sprintf("%d B", size)
	}
}
