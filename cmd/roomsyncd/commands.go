package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roomsync/roomsync.go/internal/config"
	"github.com/roomsync/roomsync.go/pkg/actor"
	"github.com/roomsync/roomsync.go/pkg/auth"
	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/presence"
	"github.com/roomsync/roomsync.go/pkg/server"
	"github.com/roomsync/roomsync.go/pkg/store"
	"github.com/roomsync/roomsync.go/pkg/store/badgerstore"
	"github.com/roomsync/roomsync.go/pkg/store/memstore"
	"github.com/roomsync/roomsync.go/pkg/store/sqlitestore"
)

var (
	configPath string

	tokenUser     string
	tokenProperty string
	tokenDevice   string
)

var rootCmd = &cobra.Command{
	Use:   "roomsyncd",
	Short: "Real-time room state sync server",
	Long: `roomsyncd keeps one authoritative room state per property and
streams every accepted operation to the devices connected to it.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a connection token for a user and property",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		token, err := issueToken(cfg, auth.Identity{
			UserID:     tokenUser,
			PropertyID: tokenProperty,
			DeviceID:   tokenDevice,
		})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file (default $ROOMSYNC_CONFIG)")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (sub)")
	tokenCmd.Flags().StringVar(&tokenProperty, "property", "", "property id the token is valid for")
	tokenCmd.Flags().StringVar(&tokenDevice, "device", "", "device id, optional")
	_ = tokenCmd.MarkFlagRequired("user")
	_ = tokenCmd.MarkFlagRequired("property")

	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func newSigner(cfg *config.Config) (*auth.Signer, error) {
	return auth.NewSigner([]byte(cfg.Auth.Secret),
		auth.WithTTL(cfg.Auth.TokenTTL),
		auth.WithIssuer(cfg.Auth.Issuer),
	)
}

func issueToken(cfg *config.Config, id auth.Identity) (string, error) {
	signer, err := newSigner(cfg)
	if err != nil {
		return "", err
	}
	return signer.Issue(id)
}

func openStore(cfg config.StoreConfig, log logger.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memstore.New(), nil
	case config.DriverBadger:
		bc := badgerstore.DefaultConfig(cfg.Path)
		bc.Logger = log
		return badgerstore.Open(bc)
	case config.DriverSQLite:
		return sqlitestore.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logData, err := logger.NewBuild().
		FromPath(cfg.Log.Path).
		Level(cfg.Log.Level).
		With("service", "roomsyncd").
		Make()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logData.Close()

	st, err := openStore(cfg.Store, logData)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logData.Error("closing store", "error", err)
		}
	}()

	signer, err := newSigner(cfg)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	registry := actor.NewRegistry(actor.RegistryConfig{
		Store:       st,
		Logger:      logData,
		Presence:    presence.NewTracker(),
		IdleTimeout: cfg.Actor.IdleTimeout,
		Actor: actor.Config{
			InboxSize:    cfg.Actor.InboxSize,
			SeenOpsLimit: cfg.Actor.SeenOpsLimit,
		},
	})
	defer registry.Close()

	srv := server.New(server.Config{
		Registry:           registry,
		Signer:             signer,
		Logger:             logData,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
		DisableMetrics:     !cfg.Metrics.Enabled,
		ReadMaxPayloadSize: cfg.Server.ReadMaxPayloadSize,
	})

	logData.Info("roomsyncd starting", "listen", cfg.Listen, "store", cfg.Store.Driver)
	return srv.Run(ctx, cfg.Listen)
}
