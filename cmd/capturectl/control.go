package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/danmuck/capturectl/internal/config"
	"github.com/danmuck/capturectl/internal/conn"
	"github.com/danmuck/capturectl/internal/protocol/message"
	"github.com/spf13/cobra"
)

func stopCmd() *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the target to finish the running capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := target.load()
			if err != nil {
				return err
			}
			return sendOne(cmd.Context(), cfg, message.Stop{AppID: cfg.Collector.ApplicationID}, cmd.OutOrStdout())
		},
	}
	target.bind(cmd)
	return cmd
}

func cancelCmd() *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Ask the target to drop the running capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := target.load()
			if err != nil {
				return err
			}
			return sendOne(cmd.Context(), cfg, message.Cancel{AppID: cfg.Collector.ApplicationID}, cmd.OutOrStdout())
		},
	}
	target.bind(cmd)
	return cmd
}

func samplingCmd() *cobra.Command {
	var (
		target  targetFlags
		enabled bool
	)
	cmd := &cobra.Command{
		Use:   "sampling EVENT_ID",
		Short: "Turn sampling on or off for one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return fmt.Errorf("parse event id: %w", err)
			}
			cfg, err := target.load()
			if err != nil {
				return err
			}
			msg := message.TurnSampling{AppID: cfg.Collector.ApplicationID, EventID: uint32(id), Enabled: enabled}
			return sendOne(cmd.Context(), cfg, msg, cmd.OutOrStdout())
		},
	}
	target.bind(cmd)
	cmd.Flags().BoolVar(&enabled, "enable", true, "Enable sampling (false disables)")
	return cmd
}

// sendOne connects, writes a single command and disconnects.
func sendOne(ctx context.Context, cfg config.Config, msg message.Message, stdout io.Writer) error {
	mgr := conn.New(cfg.Conn)
	defer mgr.Close()
	if err := mgr.Send(ctx, msg, true); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	fmt.Fprintf(stdout, "sent %s to %s:%d\n", msg.Type(), cfg.Conn.Address, mgr.ActivePort())
	return nil
}
