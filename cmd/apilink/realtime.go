package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nerrad567/apilink/internal/devserver"
)

// channelMessage is one line of subscribe output.
type channelMessage struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

func newSubscribeCmd(a *app) *cobra.Command {
	var (
		pf    paramFlags
		count int
	)

	cmd := &cobra.Command{
		Use:   "subscribe SOCKET CHANNEL",
		Short: "Print messages received on a channel, one JSON object per line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := pf.params()
			if err != nil {
				return err
			}
			m, err := a.loadManager(cmd.Context())
			if err != nil {
				return err
			}

			subscribe, err := m.Subscribe(cmd.Context(), args[0], args[1], params)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var (
				mu       sync.Mutex
				received int
				writeErr error
			)
			enc := json.NewEncoder(a.stdout)
			unsubscribe := subscribe(func(channel string, message json.RawMessage) error {
				mu.Lock()
				defer mu.Unlock()
				if ctx.Err() != nil {
					return nil
				}
				if err := enc.Encode(channelMessage{Channel: channel, Message: message}); err != nil {
					writeErr = err
					cancel()
					return err
				}
				received++
				if count > 0 && received >= count {
					cancel()
				}
				return nil
			})
			defer unsubscribe()

			a.log.Info("subscribed", "socket", args[0], "channel", args[1])
			<-ctx.Done()

			mu.Lock()
			defer mu.Unlock()
			return writeErr
		},
	}

	pf.bind(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many messages (0 waits for an interrupt)")
	return cmd
}

func newPublishCmd(a *app) *cobra.Command {
	var pf paramFlags

	cmd := &cobra.Command{
		Use:   "publish SOCKET CHANNEL MESSAGE",
		Short: "Publish a message to a channel",
		Long:  "Publish a message to a channel. MESSAGE is sent as JSON when it parses as JSON and as a string otherwise.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := pf.params()
			if err != nil {
				return err
			}
			m, err := a.loadManager(cmd.Context())
			if err != nil {
				return err
			}

			publish, err := m.Publish(cmd.Context(), args[0], args[1], params)
			if err != nil {
				return err
			}

			var message any = args[2]
			if json.Valid([]byte(args[2])) {
				message = json.RawMessage(args[2])
			}
			if err := publish(cmd.Context(), message); err != nil {
				return err
			}
			a.log.Info("published", "socket", args[0], "channel", args[1])
			return nil
		},
	}

	pf.bind(cmd)
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development API server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.DevServer
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			srv, err := devserver.New(devserver.Deps{
				Config:  cfg,
				Logger:  a.log,
				Version: version,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() {
				if err := srv.Close(); err != nil {
					a.log.Error("error stopping development server", "error", err)
				}
			}()

			if err := a.printJSON(map[string]string{"url": srv.URL()}); err != nil {
				return err
			}

			<-cmd.Context().Done()
			a.log.Info("shutdown signal received")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port, 0 picks a free port (default from config)")
	return cmd
}
