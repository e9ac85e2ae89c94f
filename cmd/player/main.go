package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MainTabletop/BZN-plot-twist/internal/config"
	"github.com/MainTabletop/BZN-plot-twist/internal/roomapi"
	"github.com/MainTabletop/BZN-plot-twist/internal/session"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
	"github.com/MainTabletop/BZN-plot-twist/internal/wsclient"
)

var version = "dev"

type options struct {
	server     string
	room       string
	name       string
	id         string
	bot        bool
	minPlayers int
	rounds     int
	logLevel   string
	logJSON    bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	opts := &options{}
	cobra.CheckErr(newCmd(cfg, opts).Execute())
}

func newCmd(cfg config.Config, opts *options) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PLOTTWIST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:     "plot-twist-player",
		Short:   "Headless Plot Twist client, optionally playing by itself.",
		Args:    cobra.ExactArgs(0),
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			setupLogging(opts)
			return run(cmd.Context(), cfg, *opts)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "server base URL (env: PLOTTWIST_SERVER)")
	fs.StringVarP(&opts.room, "room", "r", "", "room code; a new room is created when empty (env: PLOTTWIST_ROOM)")
	fs.StringVarP(&opts.name, "name", "n", "Player", "display name (env: PLOTTWIST_NAME)")
	fs.StringVar(&opts.id, "id", "", "session id; random when empty (env: PLOTTWIST_ID)")
	fs.BoolVar(&opts.bot, "bot", false, "play automatically (env: PLOTTWIST_BOT)")
	fs.IntVar(&opts.minPlayers, "min-players", 3, "players a bot host waits for before starting (env: PLOTTWIST_MIN_PLAYERS)")
	fs.IntVar(&opts.rounds, "rounds", 1, "rounds a bot host plays before idling (env: PLOTTWIST_ROUNDS)")
	fs.StringVar(&opts.logLevel, "log-level", cfg.LogLevel, "log level (env: PLOTTWIST_LOG_LEVEL)")
	fs.BoolVar(&opts.logJSON, "log-json", cfg.LogJSON, "write JSON logs (env: PLOTTWIST_LOG_JSON)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

func (o *options) validate() error {
	if o.server == "" {
		return errors.New("--server is required")
	}
	if o.room != "" {
		code, err := storage.NormalizeCode(o.room)
		if err != nil {
			return fmt.Errorf("invalid room code %q", o.room)
		}
		o.room = code
	}
	if o.minPlayers < 2 {
		return errors.New("--min-players must be at least 2")
	}
	if _, err := zerolog.ParseLevel(o.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", o.logLevel)
	}
	return nil
}

func setupLogging(o *options) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(o.logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if !o.logJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
}

func run(ctx context.Context, cfg config.Config, o options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rooms := roomapi.New(o.server)
	if o.room == "" {
		code, err := rooms.CreateRoom(ctx)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		o.room = code
		log.Info().Str("room", code).Msg("created room")
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	transport := wsclient.New(wsclient.Options{URL: o.server, Room: o.room, Key: o.id})
	views := make(chan session.View, 1)

	sopts := session.Options{
		RoomCode:  o.room,
		SelfID:    o.id,
		Name:      o.name,
		Store:     rooms,
		Generator: rooms,
		OnChange: func(v session.View) {
			// Keep only the latest view; the bot never needs history.
			select {
			case <-views:
			default:
			}
			views <- v
		},
	}
	cfg.Session.Apply(&sopts)
	coord := session.New(transport, sopts)
	transport.Attach(coord)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := transport.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("transport stopped")
			cancel()
		}
	}()
	go watch(ctx, coord, views, o)

	err := coord.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func watch(ctx context.Context, coord *session.Coordinator, views <-chan session.View, o options) {
	var b *bot
	if o.bot {
		b = newBot(coord, o.minPlayers, o.rounds)
	}
	var last session.View
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-views:
			logChange(last, v)
			last = v
			if b != nil {
				b.act(ctx, v)
			}
		}
	}
}

func logChange(prev, v session.View) {
	if prev.Phase != v.Phase || prev.Round != v.Round {
		log.Info().Str("phase", string(v.Phase)).Int("round", v.Round).Msg("phase")
	}
	if prev.HostID != v.HostID {
		log.Info().Str("host", v.HostID).Bool("self", v.IsHost).Msg("host")
	}
	if len(prev.Players) != len(v.Players) {
		names := make([]string, len(v.Players))
		for i, p := range v.Players {
			names[i] = p.Name
		}
		log.Info().Strs("players", names).Msg("players")
	}
	if prev.Connection != v.Connection {
		log.Info().Str("state", string(v.Connection)).Msg("connection")
	}
	if v.Script != "" && prev.Script == "" {
		log.Info().Int("chars", len(v.Script)).Msg("script ready")
	}
	if v.Board != nil && prev.Board == nil {
		log.Info().Interface("scores", v.Board.Scores).Str("bestConcept", v.Board.BestConceptWinner).Str("bestDelivery", v.Board.BestDeliveryWinner).Msg("results")
	}
}
