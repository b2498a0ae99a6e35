package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pawcare/portal/internal/chatclient"
	"github.com/pawcare/portal/internal/clientstate"
	"github.com/pawcare/portal/internal/logging"
)

type rootOptions struct {
	server    string
	token     string
	statePath string
	logLevel  string
}

func (o *rootOptions) state() clientstate.State {
	s, err := clientstate.Load(o.statePath)
	if err != nil {
		log.Warn().Err(err).Str("path", o.statePath).Msg("ignoring unreadable state file")
	}
	return s
}

// client builds a REST client, falling back to the saved server and token.
func (o *rootOptions) client() *chatclient.Client {
	s := o.state()
	server, token := o.server, o.token
	if server == "" {
		server = s.Server
	}
	if server == "" {
		server = "http://localhost:8080"
	}
	if token == "" {
		token = s.Token
	}
	return chatclient.New(server, token)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "portal",
		Short:         "Pet-care portal chat from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.Configure(os.Stderr, opts.logLevel, "console")
		},
	}
	root.PersistentFlags().StringVar(&opts.server, "server", os.Getenv("PORTAL_SERVER"), "API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("PORTAL_TOKEN"), "bearer token")
	root.PersistentFlags().StringVar(&opts.statePath, "state", clientstate.DefaultPath(), "client state file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newLoginCommand(opts),
		newSessionsCommand(opts),
		newMessagesCommand(opts),
		newChatCommand(opts),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("portal")
		os.Exit(1)
	}
}
