package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logtail/internal/config"
	"github.com/dgnsrekt/logtail/internal/export"
	"github.com/dgnsrekt/logtail/internal/protocol"
	"github.com/dgnsrekt/logtail/internal/store"
	"github.com/dgnsrekt/logtail/internal/stream"
	"github.com/dgnsrekt/logtail/internal/ws"
)

func tailCmd() *cobra.Command {
	var (
		host       string
		secure     bool
		from       int64
		codecName  string
		exportPath string
		strict     bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream log entries from a logtail server",
		Long: `Connect to a logtail server and print entries as they arrive.

Each entry is printed as "<position>\t<payload json>".

Examples:
  # Tail from the beginning
  logtail tail --host localhost:8080

  # Resume from position 1200 over TLS with protobuf frames
  logtail tail --host logs.example.com --secure --from 1200 --codec protobuf

  # Save everything received to a compressed file on exit
  logtail tail --export session.jsonl.zst`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Client.Host = host
			}
			if flags.Changed("secure") {
				cfg.Client.Secure = secure
			}
			if flags.Changed("from") {
				cfg.Client.StartFrom = from
			}
			if flags.Changed("codec") {
				cfg.Client.Codec = codecName
			}
			if flags.Changed("export") {
				cfg.Client.Export = exportPath
			}
			if flags.Changed("strict") {
				cfg.Client.StrictPositions = strict
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runTail(cmd, &cfg.Client)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "server host[:port] (default from config)")
	cmd.Flags().BoolVar(&secure, "secure", false, "use wss instead of ws")
	cmd.Flags().Int64Var(&from, "from", 0, "position to start streaming from")
	cmd.Flags().StringVar(&codecName, "codec", "", "wire codec: json or protobuf")
	cmd.Flags().StringVar(&exportPath, "export", "", "write received entries to this file on exit (.zst to compress)")
	cmd.Flags().BoolVar(&strict, "strict", true, "reject entries whose position was already received")

	return cmd
}

// endObserver logs state changes and reports when the connection ends.
type endObserver struct {
	*ws.LogObserver
	ended chan struct{}
	once  sync.Once
}

func (o *endObserver) StateChanged(from, to ws.State) {
	o.LogObserver.StateChanged(from, to)
	if to == ws.StateClosed || to == ws.StateErrored {
		o.once.Do(func() { close(o.ended) })
	}
}

func runTail(cmd *cobra.Command, clientCfg *config.ClientConfig) error {
	ctx := cmd.Context()

	codec, err := protocol.CodecFor(clientCfg.Codec)
	if err != nil {
		return err
	}

	observer := &endObserver{
		LogObserver: ws.NewLogObserver(logger),
		ended:       make(chan struct{}),
	}
	dialer := ws.NewDialer(codec, ws.WithHandshakeTimeout(clientCfg.HandshakeTimeout()))
	manager := ws.NewManager(dialer, codec, logger, ws.WithObserver(observer))

	st := store.New(store.WithStrictPositions(clientCfg.StrictPositions))
	printer := st.Subscribe(printEntry(cmd.OutOrStdout()))
	defer printer.Unsubscribe()

	ctrl := stream.NewController(manager, st, clientCfg.Host, clientCfg.Secure, logger,
		stream.WithErrorHandler(func(err error) {
			logger.Warn("stream error", zap.Error(err))
		}),
	)

	if err := ctrl.Start(clientCfg.StartFrom); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	var result error
	select {
	case <-ctx.Done():
		logger.Info("interrupted, disconnecting")
	case <-observer.ended:
		if manager.State() == ws.StateErrored {
			result = fmt.Errorf("stream failed: %w", manager.LastError())
		}
	}

	logger.Info("stream ended",
		zap.String("state", manager.State().String()),
		zap.Int("entries", st.Len()),
	)

	// Release the transport whichever way the stream ended.
	if err := manager.Disconnect(); err != nil && !errors.Is(err, ws.ErrNotConnected) {
		logger.Warn("disconnect failed", zap.Error(err))
	}

	if clientCfg.Export != "" {
		if err := export.ToFile(clientCfg.Export, st.Snapshot()); err != nil {
			return errors.Join(result, fmt.Errorf("exporting entries: %w", err))
		}
		logger.Info("entries exported",
			zap.String("path", clientCfg.Export),
			zap.Int("entries", st.Len()),
		)
	}

	return result
}

// printEntry writes each stored entry as a tab-separated line.
func printEntry(w io.Writer) func(protocol.LogEntry) {
	return func(entry protocol.LogEntry) {
		payload, err := json.Marshal(entry.Payload)
		if err != nil {
			payload = []byte(fmt.Sprintf("%q", fmt.Sprint(entry.Payload)))
		}
		fmt.Fprintf(w, "%d\t%s\n", entry.Position, payload)
	}
}
