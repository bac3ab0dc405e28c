package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"eventchat/internal/bus"
	"eventchat/internal/config"
	"eventchat/internal/console"
	"eventchat/internal/domain"
	"eventchat/internal/gateway"
	"eventchat/internal/session"
	"eventchat/internal/store"

	"github.com/spf13/cobra"
)

func chatCmd() *cobra.Command {
	var gatewayURL string
	cmd := &cobra.Command{
		Use:   "chat [conversation]",
		Short: "Join a conversation in an interactive terminal",
		Long: `Joins one conversation and opens an interactive prompt. With --url (or
gateway.url) the real-time channel goes through a running 'eventchat serve';
otherwise everything runs in-process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, args[0], gatewayURL)
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "url", "", "gateway WebSocket URL (default: gateway.url)")
	return cmd
}

func runChat(cmd *cobra.Command, conversationID, gatewayURL string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()
	if err := checkUserID(cfg); err != nil {
		return err
	}
	if gatewayURL == "" {
		gatewayURL = cfg.Gateway.URL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		transport domain.Transport
		msgStore  domain.MessageStore
	)
	if gatewayURL != "" {
		// The server owns the store; writes go through it as this user.
		client, err := gateway.Dial(ctx, gatewayDialURL(gatewayURL, cfg.Gateway.Token, cfg.General.UserID),
			logger.With("component", "gateway"))
		if err != nil {
			return err
		}
		defer client.Close()
		transport, msgStore = client, client
		logger.Info("connected to gateway", "url", config.RedactURL(gatewayURL))
	} else {
		hub := bus.NewHub(bus.HubConfig{BufferSize: cfg.Realtime.BufferSize, Logger: logger.With("component", "hub")})
		defer hub.Close()
		st, err := store.Open(cfg.Store.DBPath, hub, logger.With("component", "store"))
		if err != nil {
			return fmt.Errorf("message store: %w", err)
		}
		defer st.Close()
		transport, msgStore = hub, st
	}

	self := domain.Author{ID: cfg.General.UserID, DisplayName: cfg.General.DisplayName}
	if err := msgStore.UpsertProfile(ctx, self); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	scfg := sessionConfig(cfg)
	scfg.Store = msgStore
	scfg.Transport = transport
	scfg.Auth = domain.StaticUser(cfg.General.UserID)
	sess, err := session.New(scfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	conv, err := sess.Join(ctx, conversationID)
	if err != nil {
		return err
	}

	return console.New(console.Config{
		Conversation: conv,
		UserID:       cfg.General.UserID,
		Logger:       logger,
		In:           cmd.InOrStdin(),
		Out:          cmd.OutOrStdout(),
	}).Run(ctx)
}

// gatewayDialURL adds the gateway token to raw unless it already carries
// one, and binds the connection to userID.
func gatewayDialURL(raw, token, userID string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if token != "" && q.Get("token") == "" {
		q.Set("token", token)
	}
	if userID != "" {
		q.Set("user", userID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
