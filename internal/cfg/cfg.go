package cfg

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/keithlinneman/fullstack-deploy/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading the environment.
const EnvPrefix = "FULLSTACK_"

// App holds process-level settings. The deployment itself is described by
// the YAML file at ConfigFile (see internal/clientcfg).
type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	ConfigFile string
	ProjectDir string
	Service    string
	Stage      string
	Region     string

	UploadConcurrency int
	UploadRateLimit   float64
	UploadBestEffort  bool

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxPollAttempts int

	EnableTracing  bool
	OTLPEndpoint   string
	TraceSample    float64
	PushgatewayURL string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *pflag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", false, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", false, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.StringVar(&c.ConfigFile, "config", "fullstack.yml", "deployment config file (YAML)")
	fs.StringVar(&c.ProjectDir, "project-dir", ".", "project root that relative paths in the config resolve against")
	fs.StringVar(&c.Service, "service", "", "service name, used in the bucket and stack names")
	fs.StringVar(&c.Stage, "stage", "dev", "deployment stage")
	fs.StringVar(&c.Region, "region", "", "AWS region (defaults to the SDK's resolution chain)")

	fs.IntVar(&c.UploadConcurrency, "upload-concurrency", 16, "max concurrent object uploads (1..512)")
	fs.Float64Var(&c.UploadRateLimit, "upload-rate-limit", 0, "max put requests per second, 0 for unlimited")
	fs.BoolVar(&c.UploadBestEffort, "upload-best-effort", false, "attempt every file and report all failures instead of stopping at the first")

	fs.DurationVar(&c.PollInterval, "invalidation-poll-interval", 5*time.Second, "initial delay between invalidation status checks")
	fs.DurationVar(&c.MaxPollInterval, "invalidation-max-poll-interval", 30*time.Second, "cap for the invalidation poll backoff")
	fs.IntVar(&c.MaxPollAttempts, "invalidation-max-attempts", 120, "max invalidation status checks before giving up")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", "", "prometheus pushgateway to push deploy metrics to")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *pflag.FlagSet, prefix string, logf func(string, ...any)) {
	fs.VisitAll(func(f *pflag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if f.Changed {
			if logf != nil {
				logf("flag --%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = f.Value.Set(prev)
			f.Changed = false
			if logf != nil {
				logf("flag --%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.ConfigFile == "" {
		errs = append(errs, fmt.Errorf("CONFIG is required"))
	}
	if c.Service == "" {
		errs = append(errs, fmt.Errorf("SERVICE is required"))
	}
	if c.Stage == "" {
		errs = append(errs, fmt.Errorf("STAGE is required"))
	}

	if c.UploadConcurrency < 1 || c.UploadConcurrency > 512 {
		errs = append(errs, fmt.Errorf("invalid UPLOAD_CONCURRENCY %d (must be 1..512)", c.UploadConcurrency))
	}
	if c.UploadRateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid UPLOAD_RATE_LIMIT %.2f (must be >= 0)", c.UploadRateLimit))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("INVALIDATION_POLL_INTERVAL must be positive (got %s)", c.PollInterval))
	}
	if c.MaxPollInterval < c.PollInterval {
		errs = append(errs, fmt.Errorf("INVALIDATION_MAX_POLL_INTERVAL %s is below INVALIDATION_POLL_INTERVAL %s", c.MaxPollInterval, c.PollInterval))
	}
	if c.MaxPollAttempts < 1 {
		errs = append(errs, fmt.Errorf("INVALIDATION_MAX_ATTEMPTS must be >= 1 (got %d)", c.MaxPollAttempts))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.PushgatewayURL != "" {
		if u, err := url.Parse(c.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUSHGATEWAY_URL must be a URL (got %q)", c.PushgatewayURL))
		}
	}

	return errors.Join(errs...)
}
