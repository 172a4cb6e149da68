package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/broker"
	"github.com/roach88/tandem/internal/config"
	"github.com/roach88/tandem/internal/server"
	"github.com/roach88/tandem/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Listen     string // overrides node.listen
	Database   string // overrides node.database
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync server node",
		Long: `Run one server node over the authoritative store.

The node accepts mutations over HTTP, appends every commit to the room's
event log and fans change events out to subscribed websocket clients.
Schemas listed under node.schemas are installed before the listener opens.

Examples:
  tandem serve
  tandem serve --config tandem.yaml
  tandem serve --listen :9090 --db ./board.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (defaults apply when empty)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides node.listen)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides node.database)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.config()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger := opts.logger(cmd.ErrOrStderr(), cfg.Log)

	st, err := store.Open(cfg.Node.Database, store.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if err := installSchemas(ctx, st, cfg, logger); err != nil {
		return WrapExitError(ExitCommandError, "failed to install schema", err)
	}

	node := broker.NewNode(newMedium(st, cfg, logger), nodeOptions(st, cfg, logger)...)
	defer node.Close()

	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := server.New(st, node, server.WithLogger(logger))
	if err := srv.Serve(ctx, ln); err != nil {
		return WrapExitError(ExitFailure, "server stopped", err)
	}
	return nil
}

// config loads the file and applies flag overrides.
func (o *ServeOptions) config() (config.Config, error) {
	cfg, err := loadConfig(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.Listen != "" {
		cfg.Node.Listen = o.Listen
	}
	if o.Database != "" {
		cfg.Node.Database = o.Database
	}
	return cfg, cfg.Validate()
}

// installSchemas installs node.schemas in project order.
func installSchemas(ctx context.Context, st *store.Store, cfg config.Config, logger *slog.Logger) error {
	projects := make([]string, 0, len(cfg.Node.Schemas))
	for p := range cfg.Node.Schemas {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	for _, p := range projects {
		room := cfg.RoomID(p)
		if err := st.SetSchema(ctx, room, cfg.Node.Schemas[p]); err != nil {
			return fmt.Errorf("%s: %w", room, err)
		}
		logger.Info("schema installed", "room", room)
	}
	return nil
}

// newMedium picks the event medium. The log medium lets several nodes share
// one database file; the memory medium serves a single process.
func newMedium(st *store.Store, cfg config.Config, logger *slog.Logger) broker.Medium {
	if cfg.Node.Medium == config.MediumMemory {
		return broker.NewMemoryMedium()
	}
	return broker.NewLogMedium(st,
		broker.WithPollInterval(cfg.Node.PollInterval),
		broker.WithLogLogger(logger),
	)
}

// nodeOptions configures the node. The store is the backlog reconnecting
// clients catch up from.
func nodeOptions(st *store.Store, cfg config.Config, logger *slog.Logger) []broker.Option {
	opts := []broker.Option{
		broker.WithSubscriberBuffer(cfg.Node.SubscriberBuffer),
		broker.WithBacklog(st),
		broker.WithLogger(logger),
	}
	if cfg.Node.ID != "" {
		opts = append(opts, broker.WithID(cfg.Node.ID))
	}
	return opts
}
