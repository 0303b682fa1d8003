package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/tournevent/shipquote/internal/credentials"
	"github.com/tournevent/shipquote/internal/quotecache"
	"github.com/tournevent/shipquote/internal/server"
	"github.com/tournevent/shipquote/pkg/shipping"
	"github.com/tournevent/shipquote/pkg/shipping/melhorenvio"
	"go.uber.org/zap"
)

var version = "0.0.1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "shipquote",
	Short:   "Shipping quotation and rule engine",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var syncModalitiesCmd = &cobra.Command{
	Use:   "sync-modalities",
	Short: "Refresh the carrier services known for an environment",
	RunE:  runSyncModalities,
}

var requoteCmd = &cobra.Command{
	Use:   "requote <snapshot-id>",
	Short: "Re-evaluate a stored quote snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequote,
}

var setCredentialCmd = &cobra.Command{
	Use:   "set-credential",
	Short: "Store an OAuth credential for the carrier",
	RunE:  runSetCredential,
}

var setEnvironmentCmd = &cobra.Command{
	Use:   "set-environment <sandbox|production>",
	Short: "Select the carrier environment used for quotes",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetEnvironment,
}

var credentialFlags struct {
	environment  string
	accessToken  string
	refreshToken string
	expiresIn    time.Duration
	clientID     string
	clientSecret string
	origin       string
}

func init() {
	syncModalitiesCmd.Flags().String("environment", "", "environment to sync (defaults to the active one)")

	f := setCredentialCmd.Flags()
	f.StringVar(&credentialFlags.environment, "environment", "sandbox", "credential environment")
	f.StringVar(&credentialFlags.accessToken, "access-token", "", "OAuth access token")
	f.StringVar(&credentialFlags.refreshToken, "refresh-token", "", "OAuth refresh token")
	f.DurationVar(&credentialFlags.expiresIn, "expires-in", 0, "access token lifetime (0 never expires)")
	f.StringVar(&credentialFlags.clientID, "client-id", "", "OAuth client id")
	f.StringVar(&credentialFlags.clientSecret, "client-secret", "", "OAuth client secret")
	f.StringVar(&credentialFlags.origin, "origin-postal-code", "", "sender postal code used for quotes")
	setCredentialCmd.MarkFlagRequired("access-token")

	rootCmd.AddCommand(serveCmd, syncModalitiesCmd, requoteCmd, setCredentialCmd, setEnvironmentCmd)
}

// withApp loads configuration, wires the application and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	return fn(ctx, a)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		a.logger.Info("Starting shipquote",
			zap.Int("port", a.cfg.Port),
			zap.String("version", a.cfg.Version),
			zap.String("cache_backend", a.cfg.CacheBackend),
			zap.String("database_driver", a.cfg.DatabaseDriver),
		)

		deps := server.Deps{
			Quotes:   a.quotes,
			Rules:    a.store,
			Settings: a.store,
			Health:   a.store,
			Gatherer: prometheus.DefaultGatherer,
			Logger:   a.logger,
		}
		if memory, ok := a.cache.(*quotecache.Memory); ok {
			deps.Sweeper = quotecache.NewSweeper(memory, a.cfg.CacheSweepInterval, a.logger, a.metrics)
		}

		srv := server.New(server.Config{Port: a.cfg.Port, Provider: melhorenvio.ProviderName}, deps)
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
}

func runSyncModalities(cmd *cobra.Command, args []string) error {
	envFlag, _ := cmd.Flags().GetString("environment")
	var env shipping.Environment
	if envFlag != "" {
		parsed, err := shipping.ParseEnvironment(envFlag)
		if err != nil {
			return err
		}
		env = parsed
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		mods, err := a.quotes.SyncModalities(ctx, env)
		if err != nil {
			return err
		}
		return printJSON(cmd, mods)
	})
}

func runRequote(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid snapshot id: %w", err)
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		snap, err := a.quotes.Requote(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd, snap)
	})
}

func runSetCredential(cmd *cobra.Command, args []string) error {
	env, err := shipping.ParseEnvironment(credentialFlags.environment)
	if err != nil {
		return err
	}
	cred := &credentials.Credential{
		Provider:     melhorenvio.ProviderName,
		Environment:  env,
		AccessToken:  credentialFlags.accessToken,
		RefreshToken: credentialFlags.refreshToken,
		ClientID:     credentialFlags.clientID,
		ClientSecret: credentialFlags.clientSecret,
		Status:       credentials.StatusValid,
	}
	if credentialFlags.expiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(credentialFlags.expiresIn)
	}
	if credentialFlags.origin != "" {
		origin, err := shipping.NormalizePostalCode(credentialFlags.origin)
		if err != nil {
			return err
		}
		cred.AdditionalData = map[string]string{credentials.KeyOriginPostalCode: origin}
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.store.Save(ctx, cred); err != nil {
			return err
		}
		a.logger.Info("Credential stored",
			zap.String("provider", cred.Provider),
			zap.String("environment", string(env)),
			zap.Int64("id", cred.ID),
		)
		return nil
	})
}

func runSetEnvironment(cmd *cobra.Command, args []string) error {
	env, err := shipping.ParseEnvironment(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return a.store.SetActiveEnvironment(ctx, melhorenvio.ProviderName, env)
	})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
