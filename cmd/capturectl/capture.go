package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/danmuck/capturectl/internal/collector"
	"github.com/danmuck/capturectl/internal/config"
	"github.com/danmuck/capturectl/internal/conn"
	"github.com/danmuck/capturectl/internal/dump"
	"github.com/danmuck/capturectl/internal/observability"
	"github.com/danmuck/capturectl/internal/protocol/response"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type captureOptions struct {
	out         string
	base64      bool
	duration    time.Duration
	drain       time.Duration
	metricsAddr string
}

func captureCmd() *cobra.Command {
	var (
		target targetFlags
		opts   captureOptions
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Start a capture and record the response stream",
		Long: `Start a capture on the target and record every response until
interrupted or until --duration passes. On exit a Stop command is sent and
the tail of the stream is drained into the dump.

Examples:
  capturectl capture --out session.bin
  capturectl capture --config capturectl.toml --duration 10s --base64 --out session.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := target.load()
			if err != nil {
				return err
			}
			if opts.metricsAddr != "" {
				cfg.MetricsAddr = opts.metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCapture(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}

	target.bind(cmd)
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Dump file path (prints summaries when empty)")
	cmd.Flags().BoolVar(&opts.base64, "base64", false, "Write one base64 frame per line instead of raw bytes")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 waits for interrupt)")
	cmd.Flags().DurationVar(&opts.drain, "drain", 2*time.Second, "How long to keep reading after Stop")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

type sinkCloser interface {
	collector.Sink
	Stats() dump.Stats
	Close() error
}

func runCapture(ctx context.Context, cfg config.Config, opts captureOptions, stdout io.Writer) error {
	if cfg.Conn.IdleTimeout <= 0 {
		return fmt.Errorf("capture needs a positive read_timeout, got %s", cfg.Conn.IdleTimeout)
	}
	var (
		sinks []collector.Sink
		file  sinkCloser
		err   error
	)
	switch {
	case opts.out != "" && opts.base64:
		file, err = dump.CreateBase64(opts.out)
	case opts.out != "":
		file, err = dump.Create(opts.out)
	}
	if err != nil {
		return err
	}
	if file != nil {
		sinks = append(sinks, file)
	} else {
		sinks = append(sinks, collector.SinkFunc(func(d response.DataResponse) error {
			_, err := fmt.Fprintln(stdout, d.String())
			return err
		}))
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: observability.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("capturectl metrics server")
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	mgr := conn.New(cfg.Conn)
	logEvents(mgr)
	defer mgr.Close()

	col := collector.New(mgr, cfg.Collector, sinks...)
	session, err := col.StartCapture(ctx)
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return fmt.Errorf("start capture: %w", err)
	}
	fmt.Fprintf(stdout, "capture %s started on %s:%d\n", session.ID, cfg.Conn.Address, mgr.ActivePort())

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	done := make(chan error, 1)
	go func() { done <- col.Run(runCtx) }()

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	var runErr error
	finished := false
	select {
	case <-ctx.Done():
	case <-deadline:
	case runErr = <-done:
		finished = true
	}

	if !finished {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Conn.WriteTimeout+time.Second)
		if err := col.StopCapture(stopCtx); err != nil {
			log.Warn().Err(err).Msg("capturectl stop failed")
		}
		cancelStop()

		drain := time.NewTimer(opts.drain)
		select {
		case <-drain.C:
			cancelRun()
			runErr = <-done
		case runErr = <-done:
		}
		drain.Stop()
	}

	if file != nil {
		if err := file.Close(); err != nil {
			runErr = errors.Join(runErr, err)
		}
		st := file.Stats()
		fmt.Fprintf(stdout, "wrote %d frames (%d bytes) to %s\n", st.Frames, st.Bytes, opts.out)
	}
	printCounts(stdout, col.Counts())
	return runErr
}

func printCounts(w io.Writer, counts map[response.Type]uint64) {
	types := make([]response.Type, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		fmt.Fprintf(w, "  %-26s %d\n", t, counts[t])
	}
}
