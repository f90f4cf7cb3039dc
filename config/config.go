package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

const (
	DefaultConfigPath = "config/dev.toml"
	DefaultEnvPath    = "config/.env"
	ConfigFileName    = "dev.toml"
	ConfigExtension   = ".toml"

	ConfigPath EnvironmentVariable = "CONFIG_PATH"

	EnvironmentDev  Environment = "dev"
	EnvironmentTest Environment = "test"
	EnvironmentProd Environment = "prod"

	StorageEncryptionKey EnvironmentVariable = "STORAGE_ENCRYPTION_KEY"
	AdminTokenHash       EnvironmentVariable = "ADMIN_TOKEN_HASH"
)

type (
	Environment         string
	EnvironmentVariable string
)

func (e EnvironmentVariable) String() string {
	return string(e)
}

type SSIRelayConfig struct {
	conf.Version
	Server   ServerConfig   `toml:"server"`
	Services ServicesConfig `toml:"services"`
}

// ServerConfig represents configurable properties for the HTTP server
type ServerConfig struct {
	Environment        Environment   `toml:"env" conf:"default:dev"`
	APIHost            string        `toml:"api_host" conf:"default:0.0.0.0:3000"`
	// ServiceEndpoint is the public base URL used in links handed to clients, such as verify URLs.
	ServiceEndpoint    string        `toml:"service_endpoint" conf:"default:http://localhost:3000"`
	JagerHost          string        `toml:"jager_host" conf:"default:http://jaeger:14268/api/traces"`
	JagerEnabled       bool          `toml:"jager_enabled" conf:"default:false"`
	ReadTimeout        time.Duration `toml:"read_timeout" conf:"default:5s"`
	WriteTimeout       time.Duration `toml:"write_timeout" conf:"default:5s"`
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout" conf:"default:5s"`
	LogLocation        string        `toml:"log_location" conf:"default:log"`
	LogLevel           string        `toml:"log_level" conf:"default:debug"`
	EnableAllowAllCORS bool          `toml:"enable_allow_all_cors" conf:"default:false"`

	// AdminTokenHash is the hex sha256 of the static admin bearer token. Takes precedence over introspection.
	AdminTokenHash         string `toml:"admin_token_hash" conf:"noprint"`
	IntrospectEndpoint     string `toml:"introspect_endpoint"`
	IntrospectClientID     string `toml:"introspect_client_id"`
	IntrospectClientSecret string `toml:"introspect_client_secret" conf:"noprint"`
	IntrospectTokenURL     string `toml:"introspect_token_url"`

	// ClaimRatePerSecond limits claim requests per DID. Zero disables the limiter.
	ClaimRatePerSecond float64 `toml:"claim_rate_per_second" conf:"default:0"`
	ClaimRateBurst     int     `toml:"claim_rate_burst" conf:"default:10"`
}

// ServicesConfig represents configurable properties for the components of the SSI Relay
type ServicesConfig struct {
	// at present, it is assumed that a single storage provider works for all services
	StorageProvider      string           `toml:"storage" conf:"default:bolt"`
	StorageOptions       []storage.Option `toml:"storage_option" conf:"-"`
	StorageEncryptionKey string           `toml:"storage_encryption_key" conf:"noprint"`
	MasterKeyURI         string           `toml:"master_key_uri"`
	KMSCredentialsPath   string           `toml:"kms_credentials_path"`

	// Embed all service-specific configs here. The order matters: from which should be instantiated first, to last
	DIDConfig          DIDServiceConfig          `toml:"did,omitempty"`
	DeliveryConfig     DeliveryServiceConfig     `toml:"delivery,omitempty"`
	PresentationConfig PresentationServiceConfig `toml:"presentation,omitempty"`
}

func (s *ServicesConfig) GetMasterKeyURI() string {
	return s.MasterKeyURI
}

func (s *ServicesConfig) GetKMSCredentialsPath() string {
	return s.KMSCredentialsPath
}

func (s *ServicesConfig) EncryptionEnabled() bool {
	return s.MasterKeyURI != ""
}

func (s *ServicesConfig) GetStorageEncryptionKey() string {
	return s.StorageEncryptionKey
}

// BaseServiceConfig represents configurable properties for a specific component of the SSI Relay
// Can be wrapped and extended for any specific service config
type BaseServiceConfig struct {
	Name string `toml:"name"`
}

type DIDServiceConfig struct {
	*BaseServiceConfig
	// RegistryURL is the ledger registry queried at <url>/1.0/identifiers/<did>. Empty disables it.
	RegistryURL string `toml:"registry_url"`
	// LocalRegistry resolves DIDs from service storage before the ledger registry.
	LocalRegistry        bool          `toml:"local_registry"`
	ResolutionTimeout    time.Duration `toml:"resolution_timeout"`
	ResolutionMaxRetries int           `toml:"resolution_max_retries"`
	DIDPrefix            string        `toml:"did_prefix"`
	ClockSkew            time.Duration `toml:"clock_skew"`
}

func (d *DIDServiceConfig) IsEmpty() bool {
	if d == nil {
		return true
	}
	return reflect.DeepEqual(d, &DIDServiceConfig{})
}

type DeliveryServiceConfig struct {
	*BaseServiceConfig
	DefaultClaimLimit int `toml:"default_claim_limit"`
	MaxClaimLimit     int `toml:"max_claim_limit"`
	MaxConfirmIDs     int `toml:"max_confirm_ids"`
	// ReclaimInterval is how often stuck records are returned to pending. Zero disables the reclaimer.
	ReclaimInterval time.Duration `toml:"reclaim_interval"`
	ReclaimTimeout  time.Duration `toml:"reclaim_timeout"`
}

func (d *DeliveryServiceConfig) IsEmpty() bool {
	if d == nil {
		return true
	}
	return reflect.DeepEqual(d, &DeliveryServiceConfig{})
}

type PresentationServiceConfig struct {
	*BaseServiceConfig
}

func (p *PresentationServiceConfig) IsEmpty() bool {
	if p == nil {
		return true
	}
	return reflect.DeepEqual(p, &PresentationServiceConfig{})
}

// LoadConfig attempts to load a TOML config file from the given path, and coerce it into our object model.
// Before loading, defaults are applied on certain properties, which are overwritten if specified in the TOML file.
func LoadConfig(path string) (*SSIRelayConfig, error) {
	loadDefaultConfig, err := checkValidConfigPath(path)
	if err != nil {
		return nil, errors.Wrap(err, "validate config path")
	}

	var config SSIRelayConfig
	printed, err := parseConfig(&config)
	if err != nil {
		return nil, errors.Wrap(err, "parse and apply defaults")
	}
	if printed {
		return nil, nil
	}

	if loadDefaultConfig {
		defaultServicesConfig := getDefaultServicesConfig()
		config.Services = defaultServicesConfig
	} else if err = loadTOMLConfig(path, &config); err != nil {
		return nil, errors.Wrap(err, "load toml config")
	}
	applyServiceDefaults(&config.Services)

	if err = applyEnvVariables(&config); err != nil {
		return nil, errors.Wrap(err, "apply env variables")
	}
	return &config, nil
}

func checkValidConfigPath(path string) (bool, error) {
	// no path, load default config
	defaultConfig := false
	if path == "" {
		logrus.Info("no config path provided, loading default config...")
		defaultConfig = true
	} else if filepath.Ext(path) != ConfigExtension {
		return false, errors.Errorf("path<%s> did not match the expected TOML format", path)
	}
	return defaultConfig, nil
}

// parseConfig applies defaults, env and flags. It reports true when usage or version was printed instead.
func parseConfig(cfg *SSIRelayConfig) (bool, error) {
	cfg.Version = conf.Version{SVN: ServiceVersion, Desc: Description()}
	if err := conf.Parse(os.Args[1:], ServiceName, cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(ServiceName, cfg)
			if err != nil {
				return false, errors.Wrap(err, "parsing config")
			}
			fmt.Println(usage)
			return true, nil

		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(ServiceName, cfg)
			if err != nil {
				return false, errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return true, nil
		}
		return false, errors.Wrap(err, "parsing config")
	}
	return false, nil
}

// DefaultServicesConfig is the configuration used when no file is given, with every default applied.
func DefaultServicesConfig() ServicesConfig {
	services := getDefaultServicesConfig()
	applyServiceDefaults(&services)
	return services
}

func getDefaultServicesConfig() ServicesConfig {
	return ServicesConfig{
		StorageProvider: string(storage.Bolt),
		DIDConfig: DIDServiceConfig{
			BaseServiceConfig: &BaseServiceConfig{Name: "did"},
			LocalRegistry:     true,
		},
		DeliveryConfig: DeliveryServiceConfig{
			BaseServiceConfig: &BaseServiceConfig{Name: "delivery"},
		},
		PresentationConfig: PresentationServiceConfig{
			BaseServiceConfig: &BaseServiceConfig{Name: "presentation"},
		},
	}
}

// applyServiceDefaults fills in every tunable the TOML file left unset.
func applyServiceDefaults(services *ServicesConfig) {
	if services.StorageProvider == "" {
		services.StorageProvider = string(storage.Bolt)
	}

	did := &services.DIDConfig
	if did.BaseServiceConfig == nil {
		did.BaseServiceConfig = &BaseServiceConfig{Name: "did"}
	}
	if did.ResolutionTimeout <= 0 {
		did.ResolutionTimeout = 5 * time.Second
	}
	if did.ResolutionMaxRetries <= 0 {
		did.ResolutionMaxRetries = 2
	}
	if did.DIDPrefix == "" {
		did.DIDPrefix = "did:"
	}
	if did.ClockSkew <= 0 {
		did.ClockSkew = 60 * time.Second
	}

	delivery := &services.DeliveryConfig
	if delivery.BaseServiceConfig == nil {
		delivery.BaseServiceConfig = &BaseServiceConfig{Name: "delivery"}
	}
	if delivery.DefaultClaimLimit <= 0 {
		delivery.DefaultClaimLimit = 10
	}
	if delivery.MaxClaimLimit <= 0 {
		delivery.MaxClaimLimit = 100
	}
	if delivery.MaxConfirmIDs <= 0 {
		delivery.MaxConfirmIDs = 100
	}
	if delivery.ReclaimTimeout <= 0 {
		delivery.ReclaimTimeout = 15 * time.Minute
	}

	if services.PresentationConfig.BaseServiceConfig == nil {
		services.PresentationConfig.BaseServiceConfig = &BaseServiceConfig{Name: "presentation"}
	}
}

func loadTOMLConfig(path string, config *SSIRelayConfig) error {
	// load from TOML file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return errors.Wrapf(err, "could not load config: %s", path)
	}
	return nil
}

// applyEnvVariables lets secrets come from the environment or a .env file instead of the TOML file.
func applyEnvVariables(config *SSIRelayConfig) error {
	if err := godotenv.Load(DefaultEnvPath); err != nil {
		// The error indicates the .env file was not found. Fall back to the process environment.
		if !errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, "dotenv parsing")
		}
	}

	if key, present := os.LookupEnv(StorageEncryptionKey.String()); present {
		config.Services.StorageEncryptionKey = key
	}
	if hash, present := os.LookupEnv(AdminTokenHash.String()); present {
		config.Server.AdminTokenHash = hash
	}
	return nil
}
