package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	_ "github.com/joho/godotenv/autoload"

	"chat-relay/handler"
	relayconfig "chat-relay/internal/config"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/repository"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("chat-relay exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	cfg, err := relayconfig.Load()
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.InitLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	cleanupTelemetry, err := telemetry.InitTelemetry(ctx, cfg.TelemetryDir)
	if err != nil {
		return err
	}
	defer cleanupTelemetry()

	// ---- AWS clients (only when a feature needs them) ----
	var (
		secrets  relayconfig.SecretSource
		recorder usecase.RelayRecorder = repository.Noop{}
	)
	if cfg.NeedsAWS() {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		if secrets, err = newSecretSource(awsCfg); err != nil {
			return err
		}
		if cfg.RelayLogTable != "" {
			if recorder, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.RelayLogTable, cfg.RelayLogTTL); err != nil {
				return fmt.Errorf("create relay log client: %w", err)
			}
		}
	}

	// ---- Provider ----
	apiKey, err := cfg.ResolveAPIKey(ctx, secrets)
	if err != nil {
		return err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.UpstreamHeaderTimeout
	openaiClient, err := openai.NewClient(apiKey,
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithAPIMode(cfg.APIMode),
		openai.WithHTTPClient(&http.Client{Transport: transport}),
	)
	if err != nil {
		return fmt.Errorf("create OpenAI client: %w", err)
	}

	// ---- Handler ----
	relayService, err := usecase.NewRelayService(openaiClient, recorder, cfg.Model, usecase.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create relay service: %w", err)
	}
	h, err := handler.NewHandler(relayService, logger)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		logger.Info("starting lambda function URL handler", "model", cfg.Model, "api_mode", cfg.APIMode)
		lambda.StartWithOptions(h.HandleFunctionURL, lambda.WithContext(ctx))
		return nil
	}
	return serve(ctx, logger, cfg.ListenAddr, h.Routes())
}

func newSecretSource(awsCfg aws.Config) (relayconfig.SecretSource, error) {
	client, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("create SSM client: %w", err)
	}
	return client, nil
}

// serve runs the HTTP server until ctx is canceled, then drains in-flight
// streams for up to shutdownTimeout.
func serve(ctx context.Context, logger *slog.Logger, addr string, routes http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
