package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/opena2a/aim-go-sdk/internal/emulator"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("emulator exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("emulator")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("emulator.port", 8080)
	viper.SetDefault("emulator.api_key", "")
	viper.SetDefault("emulator.token_secret", "")
	viper.SetDefault("emulator.issuer", "aim-emulator")
	viper.SetDefault("emulator.access_token_ttl", "1h")
	viper.SetDefault("emulator.refresh_token_ttl", "720h")
	viper.SetDefault("emulator.skew_window", "5m")
	viper.SetDefault("emulator.auto_approve_after", "10s")
	viper.SetDefault("emulator.rate_limit_rps", 0)
	viper.SetDefault("emulator.cors_origins", []string{"*"})
	viper.SetDefault("emulator.seed_agent", "demo-agent")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Emulator ─────────────────────────────────────────────────────────────
	srv, err := emulator.New(emulator.Config{
		APIKey:           viper.GetString("emulator.api_key"),
		TokenSecret:      viper.GetString("emulator.token_secret"),
		Issuer:           viper.GetString("emulator.issuer"),
		AccessTokenTTL:   viper.GetDuration("emulator.access_token_ttl"),
		RefreshTokenTTL:  viper.GetDuration("emulator.refresh_token_ttl"),
		SkewWindow:       viper.GetDuration("emulator.skew_window"),
		AutoApproveAfter: viper.GetDuration("emulator.auto_approve_after"),
		RateLimitRPS:     viper.GetInt("emulator.rate_limit_rps"),
		CORSOrigins:      viper.GetStringSlice("emulator.cors_origins"),
	}, logger)
	if err != nil {
		return fmt.Errorf("start emulator: %w", err)
	}

	httpPort := viper.GetInt("emulator.port")
	baseURL := fmt.Sprintf("http://localhost:%d", httpPort)

	fmt.Printf("AIM emulator\n\n")
	fmt.Printf("  URL:     %s\n", baseURL)
	fmt.Printf("  API key: %s\n\n", srv.APIKey())

	// ── Seed agent ───────────────────────────────────────────────────────────
	if name := viper.GetString("emulator.seed_agent"); name != "" {
		seeded, err := srv.Seed(name)
		if err != nil {
			return fmt.Errorf("seed agent: %w", err)
		}
		logger.Info("seeded demo agent",
			zap.String("name", seeded.Name),
			zap.String("agent_id", seeded.AgentID),
		)
		fmt.Printf("Seeded agent %q:\n\n", seeded.Name)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(seeded); err != nil {
			return err
		}
		fmt.Printf("\nExport for the SDK:\n")
		fmt.Printf("  export AIM_URL=%s\n", baseURL)
		fmt.Printf("  export AIM_API_KEY=%s\n\n", srv.APIKey())
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("emulator listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down emulator...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("emulator stopped")
	return nil
}
