// Package config loads runtime configuration from the environment.
//
// Values come from process environment variables. A .env file in the working
// directory is loaded first when present, so local development does not need
// exported variables. Real environment variables always win over .env entries
// because godotenv.Load never overrides a variable that is already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the root configuration for the server binary.
type Config struct {
	Env         string     `env:"APP_ENV" envDefault:"development"`
	Port        int        `env:"PORT" envDefault:"7000"`
	LogLevel    slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	CORSOrigin  string     `env:"CORS_ORIGIN" envDefault:"*"`
	BodyLimit   int64      `env:"BODY_LIMIT" envDefault:"16384"`
	TemplateDir string     `env:"TEMPLATE_DIR" envDefault:"web/templates"`
	StaticDir   string     `env:"STATIC_DIR" envDefault:"web/static"`

	// RegisterRollbackUser deletes the freshly created account when a later
	// registration step (sync) fails. Uploaded media is removed either way.
	RegisterRollbackUser bool `env:"REGISTER_ROLLBACK_USER" envDefault:"false"`

	Upload Upload `envPrefix:"UPLOAD_"`
	DB     DB
	Token  Token
	Media  Media `envPrefix:"MEDIA_"`
	Sync   Sync  `envPrefix:"SYNC_"`
}

// Upload controls multipart staging.
type Upload struct {
	Dir      string `env:"DIR" envDefault:"public/temp"`
	MaxBytes int64  `env:"MAX_BYTES" envDefault:"10485760"`
}

// DB selects and configures the user store.
type DB struct {
	Driver     string `env:"DB_DRIVER" envDefault:"mongo"`
	MongoURI   string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	Name       string `env:"DB_NAME" envDefault:"userapi"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/users.db"`
}

// Token holds the signing secrets and lifetimes for both token kinds.
type Token struct {
	AccessSecret  string   `env:"ACCESS_TOKEN_SECRET"`
	AccessExpiry  Duration `env:"ACCESS_TOKEN_EXPIRY" envDefault:"1d"`
	RefreshSecret string   `env:"REFRESH_TOKEN_SECRET"`
	RefreshExpiry Duration `env:"REFRESH_TOKEN_EXPIRY" envDefault:"10d"`
	BcryptCost    int      `env:"BCRYPT_COST" envDefault:"10"`
}

// Media configures the S3-compatible object store that hosts user images.
type Media struct {
	Endpoint  string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"SECRET_KEY" envDefault:"minioadmin"`
	Bucket    string `env:"BUCKET" envDefault:"user-media"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
	// PublicURL is the base used to build asset URLs. Empty means
	// scheme://Endpoint derived from UseSSL.
	PublicURL string `env:"PUBLIC_URL"`
}

// Sync configures the push of new accounts to the external system of record.
type Sync struct {
	URL          string        `env:"URL"`
	AuthMode     string        `env:"AUTH_MODE" envDefault:"basic"`
	Username     string        `env:"USERNAME"`
	Password     string        `env:"PASSWORD"`
	TokenURL     string        `env:"TOKEN_URL"`
	ClientID     string        `env:"CLIENT_ID"`
	ClientSecret string        `env:"CLIENT_SECRET"`
	Scopes       []string      `env:"SCOPES" envSeparator:","`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// Enabled reports whether registrations are pushed anywhere.
func (s Sync) Enabled() bool {
	return s.URL != ""
}

// IsProduction reports whether cookies should be marked Secure and logs JSON.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Duration is a time.Duration that also understands a day suffix ("10d").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler, which caarlos0/env uses
// for custom field types.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return fmt.Errorf("invalid day duration %q: %w", s, err)
		}
		*d = Duration(time.Duration(n) * 24 * time.Hour)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// legacySyncVars maps the variable names older deployments used for the
// external sync to their current names.
var legacySyncVars = map[string]string{
	"BC_URL":      "SYNC_URL",
	"BC_USERNAME": "SYNC_USERNAME",
	"BC_PASSWORD": "SYNC_PASSWORD",
}

// Load reads .env files (missing files are ignored), then parses the
// environment into a Config and validates it.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: loading %s: %w", f, err)
		}
	}

	return Parse(env.ToMap(os.Environ()))
}

// Parse builds a Config from an explicit variable map. Tests use it to avoid
// touching the process environment.
func Parse(vars map[string]string) (*Config, error) {
	for legacy, current := range legacySyncVars {
		if v, ok := vars[legacy]; ok && vars[current] == "" {
			vars[current] = v
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.DB.Driver {
	case "mongo", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be mongo or sqlite, got %q", c.DB.Driver))
	}

	if len(c.Token.AccessSecret) < 16 {
		errs = append(errs, errors.New("ACCESS_TOKEN_SECRET must be at least 16 characters"))
	}
	if len(c.Token.RefreshSecret) < 16 {
		errs = append(errs, errors.New("REFRESH_TOKEN_SECRET must be at least 16 characters"))
	}
	if c.Token.AccessSecret != "" && c.Token.AccessSecret == c.Token.RefreshSecret {
		// With one secret a refresh token would pass as an access token.
		errs = append(errs, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ"))
	}
	if c.Token.AccessExpiry <= 0 || c.Token.RefreshExpiry <= 0 {
		errs = append(errs, errors.New("token expiries must be positive"))
	}

	if c.Sync.Enabled() {
		switch c.Sync.AuthMode {
		case "basic":
		case "oauth2":
			if c.Sync.TokenURL == "" || c.Sync.ClientID == "" {
				errs = append(errs, errors.New("SYNC_AUTH_MODE=oauth2 requires SYNC_TOKEN_URL and SYNC_CLIENT_ID"))
			}
		default:
			errs = append(errs, fmt.Errorf("SYNC_AUTH_MODE must be basic or oauth2, got %q", c.Sync.AuthMode))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
