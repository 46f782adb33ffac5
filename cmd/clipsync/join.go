package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	osclipboard "github.com/atotto/clipboard"
	"github.com/cenkalti/backoff"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/clipboard"
)

var discover bool

var joinCmd = &cobra.Command{
	Use:   "join [address]",
	Short: "Join the room named by a share link, or start a new one",
	Long: `Join opens the room named by the room parameter of address and keeps
the shared text in sync. Each line typed replaces the whole text.

Commands:
  /peers   list connected peers
  /url     print the share link and QR code
  /copy    copy the current text to the system clipboard
  /link    copy the share link to the system clipboard
  /new     leave this room and start a new one
  /quit    leave and exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJoin,
}

func init() {
	flags := joinCmd.Flags()
	flags.String("transport", "relay", "peer transport: relay, redis or memory")
	flags.String("relay", "http://localhost:8080", "relay server URL")
	flags.String("redis", "localhost:6379", "Redis address for the redis transport")
	flags.Duration("debounce", 0, "coalesce edits made within this window")
	flags.BoolVar(&discover, "discover", false, "find the relay on the local network")

	_ = v.BindPFlag("client.transport", flags.Lookup("transport"))
	_ = v.BindPFlag("client.relay", flags.Lookup("relay"))
	_ = v.BindPFlag("redis.addr", flags.Lookup("redis"))
	_ = v.BindPFlag("client.debounce", flags.Lookup("debounce"))
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address := cfg.Client.BaseAddress
	if len(args) == 1 {
		address = args[0]
	}

	t, release, err := openTransport(ctx, cfg, discover, logger)
	if err != nil {
		return err
	}
	defer release()

	sh := newShell(cmd.InOrStdin(), cmd.OutOrStdout())
	sh.copy = osclipboard.WriteAll
	sh.open = func(ctx context.Context, b *clipboard.Board, address string) error {
		return openWithRetry(ctx, b, address, cfg.Client.JoinTimeout)
	}
	board := clipboard.NewBoard(clipboard.BoardConfig{
		Transport: t,
		Logger:    logger,
		Debounce:  cfg.Client.Debounce,
		OnChange:  sh.remoteChange,
		OnPeers:   sh.peersChanged,
	})
	sh.board = board

	return sh.run(ctx, address)
}

// openWithRetry keeps trying to join with exponential backoff until ctx is
// done.
func openWithRetry(ctx context.Context, b *clipboard.Board, address string, attemptTimeout time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	op := func() error {
		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		err := b.Open(actx, address)
		if err != nil && errors.Is(err, clipboard.ErrJoinFailed) {
			address = b.Address()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("join failed, retrying", zap.Duration("in", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}
