package main

import (
	"fmt"

	"chat-sync/client/chat"
	"chat-sync/client/realtime"
	"chat-sync/client/store"
	"chat-sync/config"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	TokenFile  string
	BaseURL    string

	// Connect builds the chat service; nil means the configured store server.
	Connect func(opts *RootOptions) (*chat.Service, error)
}

// NewRootCommand creates the root command for chatctl.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "chatctl - direct conversations from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.TokenFile, "token-file", "", "file holding the access token (overrides client.token_file)")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "store server URL (overrides client.base_url)")

	cmd.AddCommand(newConversationsCommand(opts))
	cmd.AddCommand(newOpenCommand(opts))
	cmd.AddCommand(newTailCommand(opts))
	cmd.AddCommand(newSendCommand(opts))
	cmd.AddCommand(newFollowCommand(opts))

	return cmd
}

func (opts *RootOptions) connect(cmd *cobra.Command) (*chat.Service, error) {
	if opts.Connect != nil {
		return opts.Connect(opts)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	c := cfg.Client
	if opts.TokenFile != "" {
		c.TokenFile = opts.TokenFile
	}
	if opts.BaseURL != "" {
		c.BaseURL = opts.BaseURL
	}

	identity, err := loadIdentity(c.TokenFile)
	if err != nil {
		return nil, err
	}
	if !identity.CurrentSessionValid() {
		return nil, fmt.Errorf("token in %s has expired, sign in again", c.TokenFile)
	}

	backend := store.NewClient(c.BaseURL, identity.Token, store.WithAckWait(c.CallTimeout))
	return chat.NewService(backend, identity, printNavigator{w: cmd.ErrOrStderr()}, clientConfig(c)), nil
}

func clientConfig(c config.ClientConfig) chat.Config {
	return chat.Config{
		RequestCeiling:    c.RequestCeiling,
		CallTimeout:       c.CallTimeout,
		HistoryLimit:      c.HistoryLimit,
		MembershipRetries: c.MembershipRetries,
		RetryBackoff:      c.RetryBackoff,
		LoginURL:          c.LoginURL,
		Reconnect:         realtime.Policy{Attempts: c.Reconnect.Attempts, Backoff: c.Reconnect.Backoff},
	}
}
