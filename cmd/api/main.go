package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/click4coverage/api/internal/catalog"
	"github.com/click4coverage/api/internal/handlers"
	"github.com/click4coverage/api/internal/payments"
	"github.com/click4coverage/api/internal/pcrs"
	"github.com/click4coverage/api/internal/platform/config"
	"github.com/click4coverage/api/internal/platform/observability"
	"github.com/click4coverage/api/internal/platform/secrets"
	"github.com/click4coverage/api/internal/quote"
	"github.com/click4coverage/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	httpClient := &http.Client{Timeout: cfg.PCRS.CallTimeout}
	pcrsLogger := zapEventLogger(logger.Named("pcrs"), "pcrs log")

	autoTokens, err := pcrs.NewTokenProvider(pcrs.Credentials{
		STSURL:       cfg.PCRS.STSURL,
		ClientID:     cfg.PCRS.ClientID,
		ClientSecret: cfg.PCRS.ClientSecret,
		Username:     cfg.PCRS.Auto.Username,
		Password:     cfg.PCRS.Auto.Password,
	}, httpClient)
	if err != nil {
		logger.Fatal("failed to initialise auto token provider", zap.Error(err))
	}
	autoClient, err := pcrs.NewAutoClient(pcrs.AutoClientDeps{
		BaseURL:      cfg.PCRS.Auto.BaseURL,
		DealerNumber: cfg.PCRS.Auto.DealerNumber,
		HTTPClient:   httpClient,
		Tokens:       autoTokens,
		Logger:       pcrsLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise auto contract client", zap.Error(err))
	}

	var homeClient *pcrs.HomeClient
	var homeCatalog *catalog.HomeCatalog
	if cfg.Features.EnableHomeCoverage {
		homeTokens, err := pcrs.NewTokenProvider(pcrs.Credentials{
			STSURL:       cfg.PCRS.STSURL,
			ClientID:     cfg.PCRS.ClientID,
			ClientSecret: cfg.PCRS.ClientSecret,
			Username:     cfg.PCRS.Home.Username,
			Password:     cfg.PCRS.Home.Password,
		}, httpClient)
		if err != nil {
			logger.Fatal("failed to initialise home token provider", zap.Error(err))
		}
		homeClient, err = pcrs.NewHomeClient(pcrs.HomeClientDeps{
			BaseURL:      cfg.PCRS.Home.BaseURL,
			DealerNumber: cfg.PCRS.Home.DealerNumber,
			HTTPClient:   httpClient,
			Tokens:       homeTokens,
			Logger:       pcrsLogger,
		})
		if err != nil {
			logger.Fatal("failed to initialise home contract client", zap.Error(err))
		}
		homeCatalog, err = catalog.LoadHomeCatalog()
		if err != nil {
			logger.Fatal("failed to load home coverage catalog", zap.Error(err))
		}
	}

	paymentsLogger := logger.Named("payments")
	providers := make(map[string]payments.Provider)
	if strings.TrimSpace(cfg.Payments.FortPointSecurityKey) != "" {
		fortPoint, err := payments.NewFortPointProvider(payments.FortPointConfig{
			SecurityKey: cfg.Payments.FortPointSecurityKey,
			GatewayURL:  cfg.Payments.FortPointGatewayURL,
			HTTPClient:  &http.Client{Timeout: cfg.Payments.CheckoutDeadline},
			Logger:      zapEventLogger(paymentsLogger, "fortpoint log"),
		})
		if err != nil {
			logger.Fatal("failed to initialise fortpoint provider", zap.Error(err))
		}
		providers["fortpoint"] = fortPoint
	}
	if strings.TrimSpace(cfg.Payments.StripeAPIKey) != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:   cfg.Payments.StripeAPIKey,
			Currency: cfg.Payments.StripeCurrency,
			Logger:   zapEventLogger(paymentsLogger, "stripe log"),
			Clock:    time.Now,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe provider", zap.Error(err))
		}
		providers["stripe"] = stripeProvider
	}
	paymentManager, err := payments.NewManager(providers, payments.WithDefaultProvider(cfg.Payments.Provider))
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	rateService, err := services.NewRateService(services.RateServiceDeps{
		Auto:   autoClient,
		Clock:  time.Now,
		Logger: zapEventLogger(logger.Named("rates"), "rate log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise rate service", zap.Error(err))
	}

	var homeQuoteService services.HomeQuoteService
	if homeCatalog != nil {
		homeQuoteService, err = services.NewHomeQuoteService(services.HomeQuoteServiceDeps{
			Catalog: homeCatalog,
		})
		if err != nil {
			logger.Fatal("failed to initialise home quote service", zap.Error(err))
		}
	}

	checkoutDeps := services.CheckoutServiceDeps{
		Payments: paymentManager,
		Auto:     autoClient,
		Clock:    time.Now,
		Logger:   zapEventLogger(logger.Named("checkout"), "checkout log"),
	}
	if homeClient != nil {
		checkoutDeps.Home = homeClient
	}
	checkoutService, err := services.NewCheckoutService(checkoutDeps)
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	registry, err := quote.NewRegistry(quote.RegistryDeps{TTL: cfg.Quote.SessionTTL})
	if err != nil {
		logger.Fatal("failed to initialise session registry", zap.Error(err))
	}
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go registry.RunSweeper(sweepCtx, cfg.Quote.SweepInterval)

	quoteHandlers, err := handlers.NewQuoteHandlers(handlers.QuoteHandlersDeps{
		Sessions:      registry,
		Rates:         rateService,
		Home:          homeQuoteService,
		Checkout:      checkoutService,
		SessionLimit:  cfg.Quote.SessionLimit,
		SessionWindow: cfg.Quote.SessionWindow,
		Logger:        zapEventLogger(logger.Named("quote"), "quote log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise quote handlers", zap.Error(err))
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithReadyChecks(readyChecks(fetcher)...),
	)

	projectID := strings.TrimSpace(cfg.Google.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithQuoteRoutes(quoteHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("click4coverage api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// zapEventLogger adapts the event-and-fields logging contract used across the
// services and clients onto a named zap logger.
func zapEventLogger(logger *zap.Logger, msg string) func(context.Context, string, map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(msg, zFields...)
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Server.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func readyChecks(fetcher *secrets.Fetcher) []handlers.ReadyCheck {
	if fetcher == nil {
		return nil
	}
	const secretHealthReference = "secret://system/healthz?version=latest"
	return []handlers.ReadyCheck{
		{
			Name: "secret-manager",
			Check: func(ctx context.Context) error {
				probeCtx, cancel := context.WithTimeout(ctx, time.Second)
				defer cancel()
				_, err := fetcher.Resolve(probeCtx, secretHealthReference)
				if err == nil {
					return nil
				}
				// A missing probe secret still proves the backend answers.
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		},
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SERVER_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_GOOGLE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{"PCRS.Auto.Password"}

	provider := "fortpoint"
	homeEnabled := true
	if env != nil {
		if v := strings.ToLower(strings.TrimSpace(env["API_PAYMENTS_PROVIDER"])); v != "" {
			provider = v
		}
		switch strings.ToLower(strings.TrimSpace(env["API_FEATURE_HOME_COVERAGE"])) {
		case "false", "0", "no", "off":
			homeEnabled = false
		}
	}
	if homeEnabled {
		required = append(required, "PCRS.Home.Password")
	}
	switch provider {
	case "stripe":
		required = append(required, "Payments.StripeAPIKey")
	default:
		required = append(required, "Payments.FortPointSecurityKey")
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		ref = prefix + ref
		pins[ref] = version
	}
	return pins
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
