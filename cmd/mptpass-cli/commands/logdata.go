package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/piwi3910/mptpass/pkg/ptapi"
)

// NewLogDataCmd creates the logdata command group
func NewLogDataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logdata",
		Short: "Manage the log data cache",
	}

	cmd.AddCommand(newLogDataEnableCmd())
	cmd.AddCommand(newLogDataReadCmd())

	return cmd
}

func newLogDataEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <adapter-id>",
		Short: "Start caching log data events",
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

			geom, err := client.EnableLogData(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to enable log data: %w", err)
			}

			fmt.Printf("Log data enabled: %d entries of %d bytes\n", geom.MaxEntries, geom.EntrySize)

			return nil
		},
	}
}

func newLogDataReadCmd() *cobra.Command {
	var (
		output   string
		capacity int
	)

	cmd := &cobra.Command{
		Use:   "read <adapter-id>",
		Short: "Read cached log data entries",
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

			ld, err := client.LogData(context.Background(), id, capacity)
			if err != nil {
				return fmt.Errorf("failed to read log data: %w", err)
			}

			if output != "" {
				if err := os.WriteFile(output, ld.Data, filePermissions); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}

				fmt.Printf("Wrote %d entries to %s\n", ld.Entries, output)

				return nil
			}

			if wantJSON(cmd) {
				return printJSON(ld)
			}

			fmt.Printf("%d of %d entries, %d bytes each\n", ld.Entries, ld.MaxEntries, ld.EntrySize)

			for i := 0; ld.EntrySize > 0 && (i+1)*ld.EntrySize <= len(ld.Data); i++ {
				fmt.Printf("\n[%d]\n", i)
				fmt.Print(hex.Dump(ld.Data[i*ld.EntrySize : (i+1)*ld.EntrySize]))
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write raw entries to a file")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "Read at most this many bytes (whole entries)")

	return cmd
}

// NewPELCmd creates the pel command group
func NewPELCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pel",
		Short: "Manage persistent event log delivery",
	}

	cmd.AddCommand(newPELEnableCmd())
	cmd.AddCommand(newPELEventCmd())

	return cmd
}

func newPELEnableCmd() *cobra.Command {
	var (
		class  uint8
		locale string
	)

	cmd := &cobra.Command{
		Use:   "enable <adapter-id>",
		Short: "Subscribe to events of a class and locale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			loc, err := strconv.ParseUint(locale, 0, 16)
			if err != nil {
				return fmt.Errorf("invalid locale: %s", locale)
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			state, err := client.EnablePEL(context.Background(), id, ptapi.PELRequest{Class: class, Locale: uint16(loc)})
			if err != nil {
				return fmt.Errorf("failed to enable PEL: %w", err)
			}

			fmt.Printf("PEL enabled: class %d, locale 0x%04x\n", state.Class, state.Locale)

			return nil
		},
	}

	cmd.Flags().Uint8Var(&class, "class", 0, "Minimum event class")
	cmd.Flags().StringVar(&locale, "locale", "0xffff", "Event locale mask")

	return cmd
}

func newPELEventCmd() *cobra.Command {
	var (
		class  uint8
		locale string
		data   string
	)

	cmd := &cobra.Command{
		Use:   "event <adapter-id>",
		Short: "Raise a firmware event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			loc, err := strconv.ParseUint(locale, 0, 16)
			if err != nil {
				return fmt.Errorf("invalid locale: %s", locale)
			}

			payload, err := decodeHex(data)
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			delivered, err := client.RaiseEvent(context.Background(), id, ptapi.Event{Class: class, Locale: uint16(loc), Data: payload})
			if err != nil {
				return fmt.Errorf("failed to raise event: %w", err)
			}

			if delivered {
				fmt.Println("Event delivered")
			} else {
				fmt.Println("Event not delivered: no matching PEL wait")
			}

			return nil
		},
	}

	cmd.Flags().Uint8Var(&class, "class", 0, "Event class")
	cmd.Flags().StringVar(&locale, "locale", "0x0001", "Event locale")
	cmd.Flags().StringVar(&data, "data", "", "Event payload as hex")

	return cmd
}
