package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shop-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.BasePath != "/api/v1" {
		t.Errorf("unexpected base path: %s", cfg.Server.BasePath)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Storage.Backend != StorageBackendFirestore {
		t.Errorf("expected firestore backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Firestore.ProjectID != "shop-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PSP.Currency != "usd" {
		t.Errorf("unexpected default currency: %s", cfg.PSP.Currency)
	}
	if cfg.PSP.Timeout != defaultPSPTimeout {
		t.Errorf("unexpected psp timeout: %s", cfg.PSP.Timeout)
	}
	if cfg.PSP.StripeEnabled() {
		t.Errorf("expected stripe to be disabled without api key")
	}
	if cfg.Events.Backend != EventsBackendNone {
		t.Errorf("expected events backend none, got %s", cfg.Events.Backend)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultSecurityIssuer {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Orders.DeferredIntentGrace != defaultDeferredIntentGrace {
		t.Errorf("unexpected deferred intent grace: %s", cfg.Orders.DeferredIntentGrace)
	}
	if cfg.Orders.NotesMaxLength != defaultNotesMaxLength {
		t.Errorf("unexpected notes max length: %d", cfg.Orders.NotesMaxLength)
	}
	if cfg.Redis.EventTTL != defaultRedisEventTTL {
		t.Errorf("unexpected redis event ttl: %s", cfg.Redis.EventTTL)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_READ_TIMEOUT":          "20s",
		"API_SERVER_BASE_PATH":             "/api",
		"API_FIREBASE_PROJECT_ID":          "shop-prod",
		"API_STORAGE_BACKEND":              "SQL",
		"API_SQL_DRIVER":                   "pgx",
		"API_SQL_DSN":                      "secret://sql/dsn",
		"API_SQL_MAX_OPEN_CONNS":           "40",
		"API_REDIS_ADDR":                   "localhost:6379",
		"API_REDIS_PASSWORD":               "secret://redis/password",
		"API_REDIS_DB":                     "2",
		"API_PSP_STRIPE_API_KEY":           "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET":    "secret://stripe/webhook",
		"API_PSP_CURRENCY":                 "EUR",
		"API_PSP_TIMEOUT":                  "4s",
		"API_EVENTS_BACKEND":               "kafka",
		"API_EVENTS_KAFKA_BROKERS":         "kafka-1:9092, kafka-2:9092",
		"API_EVENTS_TOPIC":                 "orders",
		"API_SECURITY_ENVIRONMENT":         "prod",
		"API_SECURITY_OIDC_AUDIENCES":      "prod=https://api.example.com,stg=https://stg.example.com",
		"API_SECURITY_OIDC_ISSUERS":        "https://accounts.google.com, https://cloud.google.com/iap",
		"API_IDEMPOTENCY_TTL":              "48h",
		"API_ORDERS_DEFERRED_INTENT_GRACE": "10m",
	}

	secrets := map[string]string{
		"secret://sql/dsn":        "user:pass@tcp(db:3306)/shop",
		"secret://redis/password": "redis-pass",
		"secret://stripe/api":     "sk_test_123",
		"secret://stripe/webhook": "whsec_123",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.BasePath != "/api" {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.Backend != StorageBackendSQL {
		t.Errorf("expected sql backend, got %s", cfg.Storage.Backend)
	}
	if cfg.SQL.Driver != "pgx" || cfg.SQL.DSN != "user:pass@tcp(db:3306)/shop" || cfg.SQL.MaxOpenConns != 40 {
		t.Errorf("unexpected sql config: %+v", cfg.SQL)
	}
	if cfg.Redis.Password != "redis-pass" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.PSP.StripeAPIKey != "sk_test_123" || cfg.PSP.StripeWebhookSecret != "whsec_123" {
		t.Errorf("stripe secrets not resolved: %+v", cfg.PSP)
	}
	if !cfg.PSP.StripeEnabled() {
		t.Errorf("expected stripe enabled")
	}
	if cfg.PSP.Currency != "eur" || cfg.PSP.Timeout != 4*time.Second {
		t.Errorf("unexpected psp config: %+v", cfg.PSP)
	}
	if !slices.Equal(cfg.Events.KafkaBrokers, []string{"kafka-1:9092", "kafka-2:9092"}) {
		t.Errorf("unexpected kafka brokers: %v", cfg.Events.KafkaBrokers)
	}
	if cfg.Security.OIDC.Audience != "https://api.example.com" {
		t.Errorf("expected audience from environment map, got %s", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("unexpected issuers: %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Orders.DeferredIntentGrace != 10*time.Minute {
		t.Errorf("unexpected deferred grace: %s", cfg.Orders.DeferredIntentGrace)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"API_STORAGE_BACKEND":    "sql",
		"API_SQL_DRIVER":         "sqlite",
		"API_EVENTS_BACKEND":     "kafka",
		"API_PSP_STRIPE_API_KEY": "sk_live_abc",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := vErr.Fields()
	for _, want := range []string{"Firebase.ProjectID", "SQL.DSN", "SQL.Driver", "Events.KafkaBrokers", "PSP.StripeWebhookSecret"} {
		if !slices.Contains(fields, want) {
			t.Errorf("expected %s in %v", want, fields)
		}
	}
}

func TestLoadRejectsMemoryBackendInProduction(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":  "shop-prod",
		"API_STORAGE_BACKEND":      "memory",
		"API_SECURITY_ENVIRONMENT": "prod",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) || !slices.Contains(vErr.Fields(), "Storage.Backend") {
		t.Fatalf("expected Storage.Backend validation error, got %v", err)
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":       "shop-dev",
		"API_PSP_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var sErr *SecretError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if sErr.Ref != "secret://stripe/webhook" {
		t.Errorf("expected normalised ref, got %s", sErr.Ref)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shop-dev",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithRequiredSecrets("PSP.StripeWebhookSecret"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "PSP.StripeWebhookSecret" {
		t.Errorf("unexpected missing names: %v", names)
	}
	if redacted := missing.RedactedNames(); len(redacted) != 1 || redacted[0] == "PSP.StripeWebhookSecret" {
		t.Errorf("expected redacted names, got %v", redacted)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nAPI_FIREBASE_PROJECT_ID=shop-local\nexport API_SERVER_PORT=\"7070\"\nAPI_STORAGE_BACKEND=memory\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{
		"API_SERVER_PORT": "6060",
	}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "shop-local" {
		t.Errorf("expected project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected env map to override dotenv, got %s", cfg.Server.Port)
	}
	if cfg.Storage.Backend != StorageBackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Storage.Backend)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if values["API_SERVER_PORT"] != "7070" {
		t.Errorf("expected dotenv port, got %q", values["API_SERVER_PORT"])
	}
}
