package cfg

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestFlags registers flags on a fresh FlagSet and parses args.
func newTestFlags(t *testing.T, args []string) (*pflag.FlagSet, *App) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c := &App{}
	Register(fs, c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return fs, c
}

// validApp returns the registered defaults plus the one required field.
func validApp() App {
	var c App
	Register(pflag.NewFlagSet("valid", pflag.ContinueOnError), &c)
	c.Service = "shop"
	return c
}

func TestRegister_Defaults(t *testing.T) {
	_, c := newTestFlags(t, nil)

	if c.LogJSON {
		t.Error("LogJSON: want false")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want info, got %q", c.LogLevel)
	}
	if c.ConfigFile != "fullstack.yml" {
		t.Errorf("ConfigFile: got %q", c.ConfigFile)
	}
	if c.Stage != "dev" {
		t.Errorf("Stage: want dev, got %q", c.Stage)
	}
	if c.UploadConcurrency != 16 {
		t.Errorf("UploadConcurrency: want 16, got %d", c.UploadConcurrency)
	}
	if c.UploadBestEffort {
		t.Error("UploadBestEffort: want false")
	}
	if c.PollInterval != 5*time.Second || c.MaxPollInterval != 30*time.Second {
		t.Errorf("poll intervals: got %s / %s", c.PollInterval, c.MaxPollInterval)
	}
	if c.MaxPollAttempts != 120 {
		t.Errorf("MaxPollAttempts: want 120, got %d", c.MaxPollAttempts)
	}
	if c.EnableTracing {
		t.Error("EnableTracing: want false")
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	_, c := newTestFlags(t, []string{
		"--log-json",
		"--log-level=debug",
		"--service=shop",
		"--stage=prod",
		"--upload-concurrency=4",
		"--upload-rate-limit=2.5",
		"--upload-best-effort",
		"--invalidation-poll-interval=1s",
		"--invalidation-max-attempts=3",
	})

	if !c.LogJSON || c.LogLevel != "debug" {
		t.Errorf("log flags not applied: %+v", c)
	}
	if c.Service != "shop" || c.Stage != "prod" {
		t.Errorf("service/stage = %q/%q", c.Service, c.Stage)
	}
	if c.UploadConcurrency != 4 || c.UploadRateLimit != 2.5 || !c.UploadBestEffort {
		t.Errorf("upload flags not applied: %+v", c)
	}
	if c.PollInterval != time.Second || c.MaxPollAttempts != 3 {
		t.Errorf("poll flags not applied: %+v", c)
	}
}

func TestFillFromEnv_SetsUnchangedFlags(t *testing.T) {
	t.Setenv("FULLSTACK_SERVICE", "from-env")
	t.Setenv("FULLSTACK_UPLOAD_CONCURRENCY", "8")

	fs, c := newTestFlags(t, nil)
	FillFromEnv(fs, EnvPrefix, nil)

	if c.Service != "from-env" {
		t.Errorf("Service = %q, want from-env", c.Service)
	}
	if c.UploadConcurrency != 8 {
		t.Errorf("UploadConcurrency = %d, want 8", c.UploadConcurrency)
	}
}

func TestFillFromEnv_CLIWins(t *testing.T) {
	t.Setenv("FULLSTACK_STAGE", "staging")

	fs, c := newTestFlags(t, []string{"--stage=prod"})
	var logged []string
	FillFromEnv(fs, EnvPrefix, func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	})

	if c.Stage != "prod" {
		t.Errorf("Stage = %q, want prod", c.Stage)
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "overrides env") {
		t.Errorf("expected one override log line, got %v", logged)
	}
}

func TestFillFromEnv_InvalidValueKeepsDefault(t *testing.T) {
	t.Setenv("FULLSTACK_UPLOAD_CONCURRENCY", "lots")

	fs, c := newTestFlags(t, nil)
	var logged []string
	FillFromEnv(fs, EnvPrefix, func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	})

	if c.UploadConcurrency != 16 {
		t.Errorf("UploadConcurrency = %d, want default 16", c.UploadConcurrency)
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "ignoring invalid env") {
		t.Errorf("expected invalid env log line, got %v", logged)
	}
}

func TestValidate_DefaultsWithServiceOK(t *testing.T) {
	if err := Validate(validApp()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*App)
		want   string
	}{
		{"bad log level", func(c *App) { c.LogLevel = "loud" }, "invalid LOG_LEVEL"},
		{"no service", func(c *App) { c.Service = "" }, "SERVICE is required"},
		{"no stage", func(c *App) { c.Stage = "" }, "STAGE is required"},
		{"no config", func(c *App) { c.ConfigFile = "" }, "CONFIG is required"},
		{"zero concurrency", func(c *App) { c.UploadConcurrency = 0 }, "UPLOAD_CONCURRENCY"},
		{"negative rate", func(c *App) { c.UploadRateLimit = -1 }, "UPLOAD_RATE_LIMIT"},
		{"zero poll", func(c *App) { c.PollInterval = 0 }, "INVALIDATION_POLL_INTERVAL must be positive"},
		{"max below poll", func(c *App) { c.MaxPollInterval = time.Second }, "is below"},
		{"no attempts", func(c *App) { c.MaxPollAttempts = 0 }, "INVALIDATION_MAX_ATTEMPTS"},
		{"sample range", func(c *App) { c.TraceSample = 2 }, "TRACE_SAMPLE"},
		{"tracing without endpoint", func(c *App) { c.EnableTracing = true }, "OTLP_ENDPOINT required"},
		{"endpoint with scheme", func(c *App) {
			c.EnableTracing = true
			c.OTLPEndpoint = "http://collector"
		}, "host:port"},
		{"pushgateway not url", func(c *App) { c.PushgatewayURL = "gateway" }, "PUSHGATEWAY_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validApp()
			tt.mutate(&c)
			wantErrContains(t, Validate(c), tt.want)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	c := validApp()
	c.Service = ""
	c.UploadConcurrency = 0
	c.MaxPollAttempts = 0

	err := Validate(c)
	for _, sub := range []string{"SERVICE", "UPLOAD_CONCURRENCY", "INVALIDATION_MAX_ATTEMPTS"} {
		wantErrContains(t, err, sub)
	}
}
