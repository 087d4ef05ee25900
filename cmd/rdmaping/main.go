// Command rdmaping measures RDMA send/receive round trips between two
// processes: one side runs `rdmaping serve`, the other `rdmaping ping`.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nettlelabs/ibverbs-go/client"
)

var (
	flagAddr    string
	flagDevice  string
	flagCount   int
	flagSize    int
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "rdmaping",
		Short:         "RDMA send/receive round-trip tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:18515", "control channel address")
	root.PersistentFlags().StringVar(&flagDevice, "device", "", "adapter name (default: first device)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	ping := &cobra.Command{
		Use:   "ping",
		Short: "Send round-trip probes to a serving peer",
		RunE:  runPing,
	}
	ping.Flags().IntVarP(&flagCount, "count", "c", 10, "number of round trips")
	ping.Flags().IntVarP(&flagSize, "size", "s", 64, "probe payload size in bytes")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Echo probes back to pinging peers",
		RunE:  runServe,
	}

	root.AddCommand(ping, serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rdmaping:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if flagVerbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := client.Config{Addr: flagAddr, Device: flagDevice}
	if flagVerbose {
		cfg.Logger = logger
		cfg.StructuredLogger = logger
	}
	listener, err := client.Listen(cfg)
	if err != nil {
		return err
	}
	defer listener.Close()
	logger.Infow("serving", "addr", listener.Addr())

	for {
		cli, err := listener.Accept(cmd.Context())
		if err != nil {
			return err
		}
		go echo(cmd.Context(), cli, logger)
	}
}

func echo(ctx context.Context, cli *client.Client, logger *zap.SugaredLogger) {
	defer cli.Close()
	logger.Infow("peer connected", "conn_id", cli.ID(), "remote_qpn", cli.PeerEndpoint().QPN)
	buf := make([]byte, 4096)
	for {
		n, err := cli.Receive(ctx, buf)
		if err != nil {
			logger.Infow("peer done", "conn_id", cli.ID(), "reason", err)
			return
		}
		if err := cli.Send(ctx, buf[:n]); err != nil {
			logger.Warnw("echo send failed", "conn_id", cli.ID(), "error", err)
			return
		}
	}
}

func runPing(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := client.Config{Addr: flagAddr, Device: flagDevice}
	if flagVerbose {
		cfg.Logger = logger
		cfg.StructuredLogger = logger
	}
	cli, err := client.Dial(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cli.Close()
	logger.Infow("connected", "conn_id", cli.ID(), "remote_qpn", cli.PeerEndpoint().QPN)

	payload := make([]byte, flagSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := make([]byte, flagSize)

	var total time.Duration
	for i := 0; i < flagCount; i++ {
		start := time.Now()
		recvFuture, err := cli.ReceiveAsync(buf)
		if err != nil {
			return fmt.Errorf("post receive: %w", err)
		}
		if err := cli.Send(cmd.Context(), payload); err != nil {
			return fmt.Errorf("send probe %d: %w", i, err)
		}
		n, err := recvFuture.Await(cmd.Context())
		if err != nil {
			return fmt.Errorf("await echo %d: %w", i, err)
		}
		rtt := time.Since(start)
		total += rtt
		fmt.Printf("%d bytes from %s: seq=%d time=%v\n", n, flagAddr, i, rtt)
	}

	fmt.Printf("\n%d round trips, avg %v\n", flagCount, total/time.Duration(flagCount))
	stats := cli.Stats()
	logger.Infow("done",
		"send_posted", stats.SendPosted,
		"send_completed", stats.SendCompleted,
		"receive_matched", stats.ReceiveMatched)
	return nil
}
