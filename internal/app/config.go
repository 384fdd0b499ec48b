package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/contextlinker/internal/asana"
	"github.com/florianilch/contextlinker/internal/oauthexchange"
	"github.com/florianilch/contextlinker/internal/observability"
	"github.com/florianilch/contextlinker/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TokenStorageType represents the different storage types supported for the stored credential.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
)

// keyringService names the keyring entry holding the credential.
const keyringService = "contextlinker-asana-token"

// Default configuration values
const (
	DefaultConfigLogFormat         = LogFormatText
	DefaultConfigLogExporter       = observability.LogExporterNone
	DefaultConfigServerHost        = "127.0.0.1"
	DefaultConfigServerPort        = 8000
	DefaultConfigShutdownTimeout   = 5 * time.Second
	DefaultConfigHTTPClientTimeout = 30 * time.Second
	DefaultConfigAuthStorage       = TokenStorageTypeFile
	DefaultConfigAsanaAPIBaseURL   = asana.DefaultBaseURL
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// HTTPClientConfig bounds outbound calls to the provider, MCP and Asana.
type HTTPClientConfig struct {
	Timeout time.Duration `json:"timeout" validate:"gt=0"`
}

// MCPConfig locates the context service.
type MCPConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
}

// AsanaConfig holds the registered OAuth application and API location.
type AsanaConfig struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	RedirectURI  string `json:"redirect_uri" validate:"required,url"`

	AuthURL    string `json:"auth_url" validate:"required,url"`
	TokenURL   string `json:"token_url" validate:"required,url"`
	APIBaseURL string `json:"api_base_url" validate:"required,url"`
}

// OAuthConfig converts the Asana settings for the exchange client.
func (a AsanaConfig) OAuthConfig() oauthexchange.Config {
	endpoint := oauthexchange.AsanaEndpoint
	endpoint.AuthURL = a.AuthURL
	endpoint.TokenURL = a.TokenURL

	return oauthexchange.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		RedirectURI:  a.RedirectURI,
		Endpoint:     endpoint,
	}
}

// AuthConfig describes where the credential is stored and how expiry is judged.
type AuthConfig struct {
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file keyring"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string `json:"file,omitempty"`         // For file storage: path to token file
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier

	// ExpiryLeeway refreshes tokens this long before they expire. Zero means
	// tokens are used until the exact expiry instant.
	ExpiryLeeway time.Duration `json:"expiry_leeway" validate:"gte=0"`
}

// NewTokenStore creates a tokenstore.Store from the authentication configuration.
func (a *AuthConfig) NewTokenStore() (tokenstore.Store, error) {
	switch a.Storage {
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(a.File)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(keyringService, a.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// ObservabilityConfig selects log export and metrics exposure.
type ObservabilityConfig struct {
	LogExporter string `json:"log_exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
	Metrics     bool   `json:"metrics"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel      slog.Level          `json:"log_level"`
	LogFormat     LogFormat           `json:"log_format" validate:"oneof=text json"`
	Server        ServerConfig        `json:"server"`
	Shutdown      ShutdownConfig      `json:"shutdown"`
	HTTPClient    HTTPClientConfig    `json:"http_client"`
	MCP           MCPConfig           `json:"mcp"`
	Asana         AsanaConfig         `json:"asana"`
	Auth          AuthConfig          `json:"auth"`
	Observability ObservabilityConfig `json:"observability"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.HTTPClient.Timeout == 0 {
		c.HTTPClient.Timeout = DefaultConfigHTTPClientTimeout
	}
	if c.Asana.AuthURL == "" {
		c.Asana.AuthURL = oauthexchange.AsanaEndpoint.AuthURL
	}
	if c.Asana.TokenURL == "" {
		c.Asana.TokenURL = oauthexchange.AsanaEndpoint.TokenURL
	}
	if c.Asana.APIBaseURL == "" {
		c.Asana.APIBaseURL = DefaultConfigAsanaAPIBaseURL
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Observability.LogExporter == "" {
		c.Observability.LogExporter = DefaultConfigLogExporter
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "contextlinker", "asana_tokens.json")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return err
	}
	return c.validateAuthStorage()
}

// ValidateAuth validates only the settings the authorization flow depends on.
func (c *Config) ValidateAuth() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c.Asana); err != nil {
		return err
	}
	if err := v.Struct(c.Auth); err != nil {
		return err
	}
	if err := v.Struct(c.HTTPClient); err != nil {
		return err
	}
	return c.validateAuthStorage()
}

func (c *Config) validateAuthStorage() error {
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	return nil
}
