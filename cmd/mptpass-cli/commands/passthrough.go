package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/piwi3910/mptpass/internal/adapter"
	"github.com/piwi3910/mptpass/pkg/ptapi"
)

var opcodeNames = map[string]uint8{
	"info":           adapter.OpcodeInfo,
	"reset":          adapter.OpcodeReset,
	"targets":        adapter.OpcodeAllTargetInfo,
	"changecount":    adapter.OpcodeChangeCount,
	"logdata-enable": adapter.OpcodeLogDataEnable,
	"pel-enable":     adapter.OpcodePELEnable,
	"logdata":        adapter.OpcodeGetLogData,
}

// NewPassthroughCmd creates the passthrough command
func NewPassthroughCmd() *cobra.Command {
	var (
		file        string
		nonBlocking bool
	)

	cmd := &cobra.Command{
		Use:   "passthrough <adapter-id> -f <request.yaml>",
		Short: "Run a passthrough command",
		Long: `Run a firmware passthrough command described by a YAML request file.

Example request file:
  command: "00 00 00 20 00 00 00 00"
  timeout: 30s
  buffers:
    - type: data_out
      data: "01020304"
    - type: data_in
      length: 512
    - type: reply
      length: 80

Buffer types: command_mgmt, response_mgmt, data_in, data_out, reply, error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			req, err := LoadRequestFile(file)
			if err != nil {
				return err
			}

			if nonBlocking {
				req.NonBlocking = true
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			res, err := client.Passthrough(context.Background(), id, req)
			if err != nil {
				return fmt.Errorf("passthrough failed: %w", err)
			}

			if wantJSON(cmd) {
				return printJSON(res)
			}

			printPassthrough(res)

			if res.Status != 0 {
				return fmt.Errorf("passthrough completed with status %d: %s", res.Status, res.Error)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Request file (YAML)")
	cmd.Flags().BoolVar(&nonBlocking, "nonblocking", false, "Fail instead of waiting when the adapter is busy")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// NewDriverCmd creates the driver command
func NewDriverCmd() *cobra.Command {
	var (
		dataOut     string
		dataInLen   int
		nonBlocking bool
	)

	cmd := &cobra.Command{
		Use:   "driver <adapter-id> <opcode>",
		Short: "Run a raw driver command",
		Long: `Run a raw driver command and print its output record as hex.

Opcodes can be numbers or one of: info, reset, targets, changecount,
logdata-enable, pel-enable, logdata.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			op, err := parseOpcode(args[1])
			if err != nil {
				return err
			}

			out, err := decodeHex(dataOut)
			if err != nil {
				return fmt.Errorf("data-out: %w", err)
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			res, err := client.Driver(context.Background(), id, &ptapi.DriverRequest{
				Opcode:       op,
				DataOut:      out,
				DataInLength: dataInLen,
				NonBlocking:  nonBlocking,
			})
			if err != nil {
				return fmt.Errorf("driver command failed: %w", err)
			}

			if wantJSON(cmd) {
				return printJSON(res)
			}

			if len(res.DataIn) > 0 {
				fmt.Print(hex.Dump(res.DataIn))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dataOut, "data-out", "", "Input record as hex")
	cmd.Flags().IntVar(&dataInLen, "data-in-length", 0, "Size of the output record to read back")
	cmd.Flags().BoolVar(&nonBlocking, "nonblocking", false, "Fail instead of waiting when the adapter is busy")

	return cmd
}

// NewFaultsCmd creates the faults command
func NewFaultsCmd() *cobra.Command {
	var (
		fault ptapi.Fault
		sense string
		count int
	)

	cmd := &cobra.Command{
		Use:   "fault <adapter-id>",
		Short: "Queue firmware faults for the next commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}

			if fault.Sense, err = decodeHex(sense); err != nil {
				return fmt.Errorf("sense: %w", err)
			}

			if count < 1 {
				return fmt.Errorf("count must be at least 1")
			}

			faults := make([]ptapi.Fault, count)
			for i := range faults {
				faults[i] = fault
			}

			client, err := NewAPIClient()
			if err != nil {
				return err
			}

			if err := client.InjectFaults(context.Background(), id, faults...); err != nil {
				return fmt.Errorf("failed to inject faults: %w", err)
			}

			fmt.Printf("Queued %d fault(s) on adapter %d\n", count, id)

			return nil
		},
	}

	cmd.Flags().Uint16Var(&fault.IOCStatus, "ioc-status", 0, "IOC status to report")
	cmd.Flags().Uint32Var(&fault.IOCLogInfo, "ioc-log-info", 0, "IOC log info to report")
	cmd.Flags().StringVar(&sense, "sense", "", "Sense data as hex")
	cmd.Flags().BoolVar(&fault.Stall, "stall", false, "Never complete the command")
	cmd.Flags().BoolVar(&fault.Reject, "reject", false, "Reject the command at submission")
	cmd.Flags().BoolVar(&fault.StatusOnly, "status-only", false, "Complete without a reply frame")
	cmd.Flags().IntVar(&count, "count", 1, "Number of commands to fault")

	return cmd
}

func parseOpcode(s string) (uint8, error) {
	if op, ok := opcodeNames[strings.ToLower(s)]; ok {
		return op, nil
	}

	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown opcode: %s", s)
	}

	return uint8(v), nil
}

func printPassthrough(res *ptapi.PassthroughResponse) {
	fmt.Printf("Status:       %d\n", res.Status)
	fmt.Printf("IOC status:   0x%04x\n", res.IOCStatus)
	fmt.Printf("IOC log info: 0x%08x\n", res.IOCLogInfo)
	fmt.Printf("Reply valid:  %t\n", res.ReplyValid)
	fmt.Printf("Sense valid:  %t\n", res.SenseValid)

	for i, b := range res.Buffers {
		if len(b.Data) == 0 {
			continue
		}

		fmt.Printf("\n[%d] %s (%d bytes copied)\n", i, b.Type, b.Copied)
		fmt.Print(hex.Dump(b.Data))
	}
}
