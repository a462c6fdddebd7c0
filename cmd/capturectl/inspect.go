package main

import (
	"fmt"
	"io"
	"os"

	"github.com/danmuck/capturectl/internal/dump"
	"github.com/danmuck/capturectl/internal/protocol/frame"
	"github.com/danmuck/capturectl/internal/protocol/response"
	"github.com/spf13/cobra"
)

func inspectCmd() *cobra.Command {
	var (
		base64  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "inspect DUMP",
		Short: "Summarize a recorded dump file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0], base64, verbose, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&base64, "base64", false, "Dump holds one base64 frame per line")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every frame")
	return cmd
}

func runInspect(path string, base64, verbose bool, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	defer f.Close()

	var src dump.Source
	if base64 {
		src = dump.NewBase64Reader(f, frame.DefaultLimits())
	} else {
		src = dump.NewReader(f, frame.DefaultLimits())
	}

	counts := make(map[response.Type]uint64)
	var total, opaque int
	err = dump.Walk(src, func(d response.DataResponse) error {
		total++
		counts[d.Type]++
		if d.Opaque() {
			opaque++
		}
		if verbose {
			fmt.Fprintf(stdout, "%6d %s%s\n", total, d, detail(d))
		}
		return nil
	})
	fmt.Fprintf(stdout, "%s: %d frames, %d opaque\n", path, total, opaque)
	printCounts(stdout, counts)
	if err != nil {
		return fmt.Errorf("inspect: frame %d: %w", total+1, err)
	}
	return nil
}

func detail(d response.DataResponse) string {
	switch d.Type {
	case response.Handshake:
		if h, err := response.ParseHandshake(d); err == nil {
			return fmt.Sprintf(" status=%d version=%q", h.Status, h.Version)
		}
	case response.ReportProgress:
		if p, err := response.ParseReportProgress(d); err == nil {
			return fmt.Sprintf(" stage=%d message=%q", p.Stage, p.Message)
		}
	}
	return ""
}
