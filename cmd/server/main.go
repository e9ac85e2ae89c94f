package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MainTabletop/BZN-plot-twist/internal/api"
	"github.com/MainTabletop/BZN-plot-twist/internal/config"
	"github.com/MainTabletop/BZN-plot-twist/internal/relay"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage/postgres"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage/sqlite"
)

var version = "dev" // Set at build time via -ldflags

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cobra.CheckErr(newCmd(&cfg).Execute())
}

func newCmd(cfg *config.Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PLOTTWIST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:     "plot-twist-server",
		Short:   "Relay and room API for Plot Twist, the live party game.",
		Args:    cobra.ExactArgs(0),
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogging(cfg)
			return serve(cmd.Context(), *cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to listen on (env: PLOTTWIST_PORT, PORT)")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "base URL used in join links and QR codes (env: PLOTTWIST_PUBLIC_URL)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "postgres connection string (env: PLOTTWIST_DATABASE_URL, DATABASE_URL)")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite file used when no database url is set (env: PLOTTWIST_SQLITE_PATH)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error (env: PLOTTWIST_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "write JSON logs instead of console output (env: PLOTTWIST_LOG_JSON)")
	fs.BoolVar(&cfg.ExportEnabled, "export", cfg.ExportEnabled, "append finished rounds to the export file (env: PLOTTWIST_EXPORT)")
	fs.StringVar(&cfg.ExportFile, "export-file", cfg.ExportFile, "path of the results export (env: PLOTTWIST_EXPORT_FILE)")
	fs.DurationVar(&cfg.RoomIdleTimeout, "room-idle-timeout", cfg.RoomIdleTimeout, "time before empty relay rooms are dropped (env: PLOTTWIST_ROOM_IDLE_TIMEOUT)")
	fs.StringVar(&cfg.DefaultProvider, "provider", cfg.DefaultProvider, "script provider: openai or ollama (env: PLOTTWIST_PROVIDER)")
	fs.StringVar(&cfg.DefaultModel, "model", cfg.DefaultModel, "script model (env: PLOTTWIST_MODEL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("plot-twist v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.Level())
	if !cfg.LogJSON {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = log.Output(cw)
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch {
	case cfg.DatabaseURL != "":
		store, err = postgres.Open(ctx, cfg.DatabaseURL)
	case cfg.SQLitePath != "":
		store, err = sqlite.Open(cfg.SQLitePath)
	default:
		log.Warn().Msg("no DATABASE_URL or SQLITE_PATH set, room records are disabled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	var opts []relay.ManagerOption
	if cfg.ExportEnabled {
		opts = append(opts, relay.WithObserver(relay.NewResultsExporter(cfg.ExportFile)))
	}
	hubs := relay.NewManager(cfg.RoomIdleTimeout, opts...)
	go hubs.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.RequestLogger())

	srv := &api.Server{
		Store:           store,
		Generator:       cfg.ScriptWriter(),
		Relay:           hubs,
		PublicURL:       cfg.PublicURL,
		AdminUser:       cfg.AdminUser,
		AdminPass:       cfg.AdminPass,
		GenerateTimeout: cfg.GenerateTimeout,
	}
	srv.Routes(r)

	limits := cfg.RelayLimits()
	r.GET("/ws/:code", relay.WebsocketHandler(hubs, limits))
	io := relay.MountSocketIO(r, hubs, limits)
	defer io.Close()

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("version", version).Msg("listening")
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
