package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/host"
	"github.com/tsarna/blocksock/pkg/blocksock/transport"
	"github.com/tsarna/blocksock/pkg/blocksock/websockets"
)

var sendCmd = &cobra.Command{
	Use:   "send <websocket-url> <message>",
	Short: "Send one message over a websocket",
	Long: `Connect to a websocket server the way the websockets extension does,
send one text message once the connection opens, then close.

With --wait the command stays connected until the first message arrives
from the server and prints it.

Examples:
  blocksock send ws://localhost:8080/echo "hello"
  blocksock send --wait --driver gorilla wss://example.com/feed '{"subscribe":"prices"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var (
	sendDriver      string
	sendDialTimeout time.Duration
	sendTimeout     time.Duration
	sendWait        bool
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendDriver, "driver", transport.DriverCoder, "websocket implementation (coder, gorilla)")
	sendCmd.Flags().DurationVar(&sendDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Total operation timeout")
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "wait for and print the first reply")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	wsURL, text := args[0], args[1]

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	dialer, err := transport.NewDialer().
		WithDriver(sendDriver).
		WithLogger(logger).
		WithDialTimeout(sendDialTimeout).
		Build()
	if err != nil {
		return err
	}

	ext, err := websockets.NewExtension().
		WithDialer(dialer).
		WithLogger(logger).
		WithReleaseOnRemoteClose(true).
		Build()
	if err != nil {
		return err
	}

	runtime, err := host.NewRuntime().WithLogger(logger).Build()
	if err != nil {
		return err
	}
	if err := runtime.Register(ext); err != nil {
		return err
	}

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	onEvent := func(ctx context.Context, hat host.Hat) error {
		switch transport.EventType(hat.Fields[websockets.EventField]) {
		case transport.EventOpen:
			if err := ext.Send(ctx, text); err != nil {
				finish(err)
				return err
			}
			logger.Info("Message sent", zap.String("url", wsURL))
			if !sendWait {
				finish(nil)
			}
		case transport.EventMessage:
			data, _ := ext.LastValue(websockets.KeyData)
			fmt.Fprintln(cmd.OutOrStdout(), data)
			finish(nil)
		case transport.EventError:
			finish(fmt.Errorf("websocket error connecting to %s", wsURL))
		case transport.EventClose:
			reason, _ := ext.LastValue(websockets.KeyReason)
			finish(fmt.Errorf("websocket closed: %q", reason))
		}
		return nil
	}

	if err := runtime.When(ctx, "send", websockets.HatOpcode, nil, onEvent); err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		return err
	}
	defer func() {
		if err := runtime.Stop(); err != nil {
			logger.Warn("Error during shutdown", zap.Error(err))
		}
	}()

	if err := ext.Connect(ctx, wsURL); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("gave up after %s: %w", sendTimeout, ctx.Err())
	}
}
