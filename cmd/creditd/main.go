package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/action"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/daemon"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "CREDITMETER"

	flagConfig          = "config"
	flagDatabaseURL     = "database-url"
	flagStoreDriver     = "store-driver"
	flagHTTPListenAddr  = "http-listen-addr"
	flagGRPCListenAddr  = "grpc-listen-addr"
	flagAllowedOrigins  = "allowed-origins"
	flagEnvironments    = "environments"
	flagRequestTimeout  = "request-timeout"
	flagMaxAttempts     = "max-attempts"
	flagRefillQueue     = "refill-queue"
	flagRiverMaxWorkers = "river-max-workers"
	flagLogLevel        = "log-level"

	flagAddress  = "addr"
	flagInsecure = "insecure"
	flagTimeout  = "timeout"
	flagData     = "data"

	configKeyDatabaseURL     = "database_url"
	configKeyStoreDriver     = "store_driver"
	configKeyHTTPListenAddr  = "http_listen_addr"
	configKeyGRPCListenAddr  = "grpc_listen_addr"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyEnvironments    = "environments"
	configKeyRequestTimeout  = "request_timeout"
	configKeyMaxAttempts     = "max_attempts"
	configKeyRefillQueue     = "refill_queue"
	configKeyRiverMaxWorkers = "river_max_workers"
	configKeyLogLevel        = "log_level"
	configKeyPlans           = "plans"

	defaultCallAddress = "localhost:7000"
	defaultCallTimeout = 5 * time.Second
)

var serverFlagKeys = map[string]string{
	flagDatabaseURL:     configKeyDatabaseURL,
	flagStoreDriver:     configKeyStoreDriver,
	flagHTTPListenAddr:  configKeyHTTPListenAddr,
	flagGRPCListenAddr:  configKeyGRPCListenAddr,
	flagAllowedOrigins:  configKeyAllowedOrigins,
	flagEnvironments:    configKeyEnvironments,
	flagRequestTimeout:  configKeyRequestTimeout,
	flagMaxAttempts:     configKeyMaxAttempts,
	flagRefillQueue:     configKeyRefillQueue,
	flagRiverMaxWorkers: configKeyRiverMaxWorkers,
	flagLogLevel:        configKeyLogLevel,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &daemon.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit metering ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}
	cmd.PersistentFlags().String(flagConfig, "", "optional YAML config file")
	addServerFlags(cmd)

	cmd.AddCommand(newServeCommand(), newMigrateCommand(), newCallCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cfg := &daemon.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and gRPC APIs",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}
	addServerFlags(cmd)
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cfg := &daemon.Config{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return daemon.Migrate(cmd.Context(), *cfg, logger)
		},
	}
	addServerFlags(cmd)
	return cmd
}

func newCallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Send one action to a running creditd over gRPC",
		Long:  "Reads an action request as JSON from --data or stdin and prints the response envelope.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd)
		},
	}
	cmd.Flags().String(flagAddress, defaultCallAddress, "creditd gRPC address")
	cmd.Flags().Bool(flagInsecure, true, "connect without TLS")
	cmd.Flags().Duration(flagTimeout, defaultCallTimeout, "call timeout")
	cmd.Flags().String(flagData, "", "request JSON (defaults to stdin)")
	return cmd
}

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagDatabaseURL, "", "postgres:// URL, sqlite:// URL or sqlite file path")
	cmd.Flags().String(flagStoreDriver, "", "store implementation: gorm, pgx or memory")
	cmd.Flags().String(flagHTTPListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, "", "gRPC listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagEnvironments, "", "comma-separated list of enabled environments")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request timeout")
	cmd.Flags().Int(flagMaxAttempts, 0, "optimistic retry bound for balance writes")
	cmd.Flags().String(flagRefillQueue, "", "refill scheduler: inline or river")
	cmd.Flags().Int(flagRiverMaxWorkers, 0, "River worker count for the refill queue")
	cmd.Flags().String(flagLogLevel, "", "log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command, cfg *daemon.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv(configKeyDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	for flagName, key := range serverFlagKeys {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	configPath, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return err
	}
	if strings.TrimSpace(configPath) != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(configKeyDatabaseURL))
	cfg.StoreDriver = strings.TrimSpace(v.GetString(configKeyStoreDriver))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(configKeyHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(configKeyGRPCListenAddr))
	cfg.AllowedOrigins = stringList(v, configKeyAllowedOrigins)
	cfg.Environments = stringList(v, configKeyEnvironments)
	cfg.RequestTimeout = v.GetDuration(configKeyRequestTimeout)
	cfg.MaxAttempts = v.GetInt(configKeyMaxAttempts)
	cfg.RefillQueue = strings.TrimSpace(v.GetString(configKeyRefillQueue))
	cfg.RiverMaxWorkers = v.GetInt(configKeyRiverMaxWorkers)
	cfg.LogLevel = strings.TrimSpace(v.GetString(configKeyLogLevel))
	if err := v.UnmarshalKey(configKeyPlans, &cfg.Plans); err != nil {
		return fmt.Errorf("plans: %w", err)
	}
	return cfg.Validate()
}

// stringList accepts either a YAML list or a comma-delimited string.
func stringList(v *viper.Viper, key string) []string {
	if values, ok := v.Get(key).([]any); ok {
		items := make([]string, 0, len(values))
		for _, value := range values {
			items = append(items, fmt.Sprint(value))
		}
		return items
	}
	return daemon.ParseList(v.GetString(key))
}

func runServe(cmd *cobra.Command, cfg *daemon.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("creditd starting",
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("refill_queue", cfg.RefillQueue),
		zap.Strings("environments", cfg.Environments),
	)
	return daemon.Run(ctx, *cfg, logger)
}

func runCall(cmd *cobra.Command) error {
	address, err := cmd.Flags().GetString(flagAddress)
	if err != nil {
		return err
	}
	useInsecure, err := cmd.Flags().GetBool(flagInsecure)
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration(flagTimeout)
	if err != nil {
		return err
	}
	data, err := cmd.Flags().GetString(flagData)
	if err != nil {
		return err
	}
	raw := []byte(data)
	if strings.TrimSpace(data) == "" {
		raw, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
	}
	var request action.Request
	if err := json.Unmarshal(raw, &request); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	conn, err := grpcserver.Dial(ctx, address, useInsecure)
	if err != nil {
		return err
	}
	defer conn.Close()

	response, callErr := grpcserver.NewClient(conn).Execute(ctx, request)
	if callErr != nil {
		code, ok := grpcserver.ErrorCodeFromStatus(callErr)
		if !ok {
			return callErr
		}
		response = action.Response{
			Action: action.Name(request.Action),
			Error:  &action.ErrorBody{Code: code, Message: string(code)},
		}
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}
	if callErr != nil {
		return fmt.Errorf("action failed: %s", response.Error.Code)
	}
	return nil
}
