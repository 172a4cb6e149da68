package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/config"
	"github.com/roach88/tandem/internal/engine"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/pagecache"
	"github.com/roach88/tandem/internal/transport"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	ConfigPath string
	Server     string // overrides client.server
	Room       string // project name; the room id is derived with rooms.prefix
	Actor      string // overrides client.actor
	Page       int
	Once       bool
}

// WatchPage is the initial listing printed by watch.
type WatchPage struct {
	Room     string         `json:"room"`
	Page     int            `json:"page"`
	HasNext  bool           `json:"has_next"`
	Total    int            `json:"total"`
	Entities []model.Entity `json:"entities"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mirror a room and print its changes",
		Long: `Run a client replica for one room.

Loads a page of the room through the server, then subscribes to the
room's change stream and prints every change event as the replica
reconciles it. Reconnects with backoff when the stream drops.

Examples:
  tandem watch --room board
  tandem watch --server http://localhost:9090 --room board --actor alice
  tandem watch --room board --once --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (defaults apply when empty)")
	cmd.Flags().StringVar(&opts.Server, "server", "", "server base URL (overrides client.server)")
	cmd.Flags().StringVar(&opts.Room, "room", "", "project to watch (required)")
	_ = cmd.MarkFlagRequired("room")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "actor id (overrides client.actor; random when both are empty)")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page to load before streaming")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "print the page and exit without streaming")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	cfg, err := opts.config()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Page < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("page must be >= 1, got %d", opts.Page))
	}
	wsURL, err := subscriptionURL(cfg.Client.Server)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server URL", err)
	}

	logger := opts.logger(cmd.ErrOrStderr(), cfg.Log)
	room := cfg.RoomID(opts.Room)
	actor := opts.actor(cfg)
	out := &eventPrinter{w: cmd.OutOrStdout(), json: opts.Format == "json"}

	backend := transport.NewHTTPBackend(cfg.Client.Server, cfg.Client.SubmitTimeout)
	replica := engine.NewReplica(engine.ReplicaConfig{
		Actor:        actor,
		Room:         room,
		Source:       pagecache.DataSourceFunc(backend.FetchPage),
		PageCapacity: cfg.Cache.PageCapacity,
		PageSize:     cfg.Cache.PageSize,
		Logger:       logger,
	})

	var session *transport.Session
	eng := engine.New(replica, backend,
		engine.WithQueue(cfg.Queue.Capacity, cfg.Overflow()),
		engine.WithSubmitTimeout(cfg.Client.SubmitTimeout),
		engine.WithInitialState(transport.StateDisconnected),
		engine.WithNetworkErrorHandler(func(error) { session.Reconnect() }),
		engine.WithLogger(logger),
	)
	session = transport.NewSession(transport.WSDialer{URL: wsURL}, func(ev model.ChangeEvent) {
		if eng.Deliver(ev) {
			out.event(ev)
		}
	},
		transport.WithBackoff(cfg.Backoff()),
		transport.WithStateHandler(func(s transport.State, node string) {
			eng.SetConnectionState(s, node)
			logger.Info("subscription state", "state", s.String(), "node", node, "room", room)
		}),
		transport.WithSessionLogger(logger),
	)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Run(loopCtx)
	}()
	defer wg.Wait()
	defer cancel()

	page, err := eng.FetchPage(ctx, opts.Page)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load page", err)
	}
	listing := WatchPage{Room: room, Page: page.Number, HasNext: page.HasNext, Total: page.TotalCount}
	for _, id := range page.EntityIDs {
		if e, err := eng.Get(id); err == nil {
			listing.Entities = append(listing.Entities, e)
		}
	}
	if err := out.page(listing); err != nil {
		return err
	}
	if opts.Once {
		return nil
	}

	if err := session.Subscribe(room); err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	err = session.Run(loopCtx)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, transport.ErrGaveUp):
		return WrapExitError(ExitFailure, "subscription lost", err)
	default:
		return err
	}
}

// config loads the file and applies flag overrides.
func (o *WatchOptions) config() (config.Config, error) {
	cfg, err := loadConfig(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.Server != "" {
		cfg.Client.Server = o.Server
	}
	if o.Actor != "" {
		cfg.Client.Actor = o.Actor
	}
	if o.Room != "" {
		cfg.Client.Rooms = []string{o.Room}
	}
	return cfg, cfg.Validate()
}

func (o *WatchOptions) actor(cfg config.Config) string {
	if cfg.Client.Actor != "" {
		return cfg.Client.Actor
	}
	return "watch-" + uuid.NewString()[:8]
}

// subscriptionURL derives the websocket endpoint from the server base URL.
func subscriptionURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// eventPrinter writes the listing and the event stream. In JSON mode each
// event is one line.
type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *eventPrinter) page(listing WatchPage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		return json.NewEncoder(p.w).Encode(CLIResponse{Status: "ok", Data: listing})
	}
	fmt.Fprintf(p.w, "Room: %s (page %d, %d entities total)\n", listing.Room, listing.Page, listing.Total)
	if len(listing.Entities) == 0 {
		fmt.Fprintln(p.w, "  (no entities)")
	}
	for _, e := range listing.Entities {
		fmt.Fprintf(p.w, "  %s v%d [%s] pos=%d %s\n", e.ID, e.Version, e.Status, e.Position, renderFields(e.Fields))
	}
	return nil
}

func (p *eventPrinter) event(ev model.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(p.w).Encode(ev)
		return
	}
	line := fmt.Sprintf("[%d] %s %s by %s", ev.Seq, ev.Kind, ev.EntityID, ev.OriginActorID)
	if ev.Payload != nil {
		line += fmt.Sprintf(" v%d %s", ev.Payload.Version, renderFields(ev.Payload.Fields))
	}
	fmt.Fprintln(p.w, line)
}

func renderFields(fields model.Object) string {
	if len(fields) == 0 {
		return "{}"
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "{?}"
	}
	return string(data)
}
