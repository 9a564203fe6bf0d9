package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile           = ".env"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultPaymentProvider   = "fortpoint"
	defaultStripeCurrency    = "usd"
	defaultSessionTTL        = 30 * time.Minute
	defaultSweepInterval     = 5 * time.Minute
	defaultSessionLimit      = 30
	defaultSessionWindow     = time.Minute
	defaultSecurityEnvField  = "local"
	defaultCheckoutDeadline  = 90 * time.Second
	defaultRatingCallTimeout = 30 * time.Second
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server   ServerConfig
	Google   GoogleConfig
	PCRS     PCRSConfig
	Payments PaymentsConfig
	Quote    QuoteConfig
	Features FeatureFlags
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// GoogleConfig stores Google Cloud settings used for tracing and secrets.
type GoogleConfig struct {
	ProjectID string
}

// PCRSConfig holds the contract backend endpoints and per-realm credentials.
// The auto and home product lines authenticate against the same STS with
// separate resource-owner accounts and dealer numbers.
type PCRSConfig struct {
	BaseURL      string
	STSURL       string
	ClientID     string
	ClientSecret string
	Auto         RealmConfig
	Home         RealmConfig
	CallTimeout  time.Duration
}

// RealmConfig is one product line's API deployment and dealer identity. Auto
// and home run as separate PCRS deployments, so each realm carries its own
// base URL alongside the login.
type RealmConfig struct {
	BaseURL      string
	Username     string
	Password     string
	DealerNumber string
}

// PaymentsConfig collects gateway credentials. Provider selects which gateway
// the checkout flow charges against.
type PaymentsConfig struct {
	Provider             string
	FortPointSecurityKey string
	FortPointGatewayURL  string
	StripeAPIKey         string
	StripeCurrency       string
	CheckoutDeadline     time.Duration
}

// QuoteConfig controls the in-memory session registry and creation throttle.
type QuoteConfig struct {
	SessionTTL    time.Duration
	SweepInterval time.Duration
	SessionLimit  int
	SessionWindow time.Duration
}

// FeatureFlags toggle optional behaviour without redeploying.
type FeatureFlags struct {
	EnableHomeCoverage bool
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "Payments.FortPointSecurityKey" or "PCRS.Auto.Password").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			Environment:  strings.ToLower(stringWithDefault(lookup, "API_SERVER_ENVIRONMENT", defaultSecurityEnvField)),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Google: GoogleConfig{
			ProjectID: stringWithDefault(lookup, "API_GOOGLE_PROJECT_ID", ""),
		},
		PCRS: PCRSConfig{
			BaseURL:      stringWithDefault(lookup, "API_PCRS_BASE_URL", ""),
			STSURL:       stringWithDefault(lookup, "API_PCRS_STS_URL", ""),
			ClientID:     stringWithDefault(lookup, "API_PCRS_CLIENT_ID", ""),
			ClientSecret: stringWithDefault(lookup, "API_PCRS_CLIENT_SECRET", ""),
			Auto: RealmConfig{
				BaseURL:      stringWithDefault(lookup, "API_PCRS_AUTO_BASE_URL", ""),
				Username:     stringWithDefault(lookup, "API_PCRS_AUTO_USERNAME", ""),
				Password:     stringWithDefault(lookup, "API_PCRS_AUTO_PASSWORD", ""),
				DealerNumber: stringWithDefault(lookup, "API_PCRS_AUTO_DEALER_NUMBER", ""),
			},
			Home: RealmConfig{
				BaseURL:      stringWithDefault(lookup, "API_PCRS_HOME_BASE_URL", ""),
				Username:     stringWithDefault(lookup, "API_PCRS_HOME_USERNAME", ""),
				Password:     stringWithDefault(lookup, "API_PCRS_HOME_PASSWORD", ""),
				DealerNumber: stringWithDefault(lookup, "API_PCRS_HOME_DEALER_NUMBER", ""),
			},
			CallTimeout: durationWithDefault(lookup, "API_PCRS_CALL_TIMEOUT", defaultRatingCallTimeout),
		},
		Payments: PaymentsConfig{
			Provider:             strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_PROVIDER", defaultPaymentProvider)),
			FortPointSecurityKey: stringWithDefault(lookup, "API_PAYMENTS_FORTPOINT_SECURITY_KEY", ""),
			FortPointGatewayURL:  stringWithDefault(lookup, "API_PAYMENTS_FORTPOINT_GATEWAY_URL", ""),
			StripeAPIKey:         stringWithDefault(lookup, "API_PAYMENTS_STRIPE_API_KEY", ""),
			StripeCurrency:       strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_STRIPE_CURRENCY", defaultStripeCurrency)),
			CheckoutDeadline:     durationWithDefault(lookup, "API_PAYMENTS_CHECKOUT_DEADLINE", defaultCheckoutDeadline),
		},
		Quote: QuoteConfig{
			SessionTTL:    durationWithDefault(lookup, "API_QUOTE_SESSION_TTL", defaultSessionTTL),
			SweepInterval: durationWithDefault(lookup, "API_QUOTE_SWEEP_INTERVAL", defaultSweepInterval),
			SessionLimit:  intWithDefault(lookup, "API_QUOTE_SESSION_LIMIT", defaultSessionLimit),
			SessionWindow: durationWithDefault(lookup, "API_QUOTE_SESSION_WINDOW", defaultSessionWindow),
		},
		Features: FeatureFlags{
			EnableHomeCoverage: boolWithDefault(lookup, "API_FEATURE_HOME_COVERAGE", true),
		},
	}

	resolvedSecrets := make(map[string]string)
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		resolvedSecrets[name] = strings.TrimSpace(resolved)
		return nil
	}

	// Realm base URLs default to the shared endpoint when a deployment is not
	// split per product line.
	if cfg.PCRS.Auto.BaseURL == "" {
		cfg.PCRS.Auto.BaseURL = cfg.PCRS.BaseURL
	}
	if cfg.PCRS.Home.BaseURL == "" {
		cfg.PCRS.Home.BaseURL = cfg.PCRS.BaseURL
	}

	// Home realm credentials default to the auto realm when the home product
	// shares the dealer account.
	if cfg.Features.EnableHomeCoverage {
		if cfg.PCRS.Home.Username == "" {
			cfg.PCRS.Home.Username = cfg.PCRS.Auto.Username
		}
		if cfg.PCRS.Home.Password == "" {
			cfg.PCRS.Home.Password = cfg.PCRS.Auto.Password
		}
		if cfg.PCRS.Home.DealerNumber == "" {
			cfg.PCRS.Home.DealerNumber = cfg.PCRS.Auto.DealerNumber
		}
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"PCRS.ClientSecret", &cfg.PCRS.ClientSecret},
		{"PCRS.Auto.Password", &cfg.PCRS.Auto.Password},
		{"PCRS.Home.Password", &cfg.PCRS.Home.Password},
		{"Payments.FortPointSecurityKey", &cfg.Payments.FortPointSecurityKey},
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if strings.TrimSpace(cfg.PCRS.BaseURL) == "" {
		missing = append(missing, "PCRS.BaseURL")
	}
	if strings.TrimSpace(cfg.PCRS.STSURL) == "" {
		missing = append(missing, "PCRS.STSURL")
	}
	if strings.TrimSpace(cfg.PCRS.ClientID) == "" {
		missing = append(missing, "PCRS.ClientID")
	}
	if strings.TrimSpace(cfg.PCRS.Auto.Username) == "" {
		missing = append(missing, "PCRS.Auto.Username")
	}
	if strings.TrimSpace(cfg.PCRS.Auto.Password) == "" {
		missing = append(missing, "PCRS.Auto.Password")
	}
	if strings.TrimSpace(cfg.PCRS.Auto.DealerNumber) == "" {
		missing = append(missing, "PCRS.Auto.DealerNumber")
	}

	switch cfg.Payments.Provider {
	case "fortpoint":
		if strings.TrimSpace(cfg.Payments.FortPointSecurityKey) == "" {
			missing = append(missing, "Payments.FortPointSecurityKey")
		}
	case "stripe":
		if strings.TrimSpace(cfg.Payments.StripeAPIKey) == "" {
			missing = append(missing, "Payments.StripeAPIKey")
		}
	default:
		missing = append(missing, "Payments.Provider")
	}

	if cfg.Quote.SessionTTL <= 0 {
		missing = append(missing, "Quote.SessionTTL")
	}
	if cfg.Quote.SweepInterval <= 0 {
		missing = append(missing, "Quote.SweepInterval")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
