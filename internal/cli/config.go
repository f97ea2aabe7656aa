package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/schemaledger/internal/ddl"
	"github.com/mesh-intelligence/schemaledger/internal/paths"
	"github.com/mesh-intelligence/schemaledger/internal/schemasync"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	envPrefix = "SCHEMALEDGER"

	cfgKeyBackend      = "backend"
	cfgKeyDataDir      = "data_dir"
	cfgKeyHolderID     = "holder_id"
	cfgKeyLockTTL      = "lock.ttl"
	cfgKeySyncTimeout  = "sync.timeout"
	cfgKeyAutoResolve  = "sync.auto_resolve"
	cfgKeyIgnoreTables = "sync.ignore_tables"
	cfgKeyTargetDriver = "target.driver"
	cfgKeyTargetDSN    = "target.dsn"
	cfgKeyTargetSchema = "target.schema"
	cfgKeyMetadataFile = "metadata.file"
	cfgKeyLogLevel     = "log.level"

	defaultMetadataFile = "metadata.yaml"
)

// defaultConfigYAML is the content written to config.yaml on first run.
const defaultConfigYAML = `# schemactl configuration

# Coordination store backend
backend: sqlite

# Data directory (optional; overridable by --data-dir flag)
# data_dir:

# Lock holder id of this instance (default: <hostname>-<pid>)
# holder_id:

lock:
  ttl: 5m

sync:
  timeout: 2m
  auto_resolve: true
  # ignore_tables: []

# Database whose schema is kept in line with the metadata. An empty sqlite
# dsn means the coordination store database itself.
target:
  driver: sqlite
  # dsn:
  # schema: public

metadata:
  file: metadata.yaml

log:
  level: info
`

// settings is the resolved configuration of one invocation.
type settings struct {
	Backend      string
	DataDir      string
	HolderID     string
	LockTTL      time.Duration
	SyncTimeout  time.Duration
	AutoResolve  bool
	IgnoreTables []string
	TargetDriver string
	TargetDSN    string
	TargetSchema string
	MetadataFile string
	LogLevel     zerolog.Level
}

// app carries the state shared by the commands of one root command tree.
type app struct {
	flags     rootFlags
	initOpts  *initOptions
	configDir string
	cfg       settings
}

// loadConfig resolves the config directory, reads config.yaml there with
// Viper, and resolves the data directory.
func (a *app) loadConfig() error {
	configDir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolving config dir: %w", err)
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	cfg, err := readSettings(v, configDir)
	if err != nil {
		return err
	}
	cfg.DataDir, err = paths.ResolveDataDir(a.flags.dataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return fmt.Errorf("resolving data dir: %w", err)
	}
	a.configDir = configDir
	a.cfg = cfg
	return nil
}

// envKeys can be overridden from the environment, e.g. target.dsn by
// SCHEMALEDGER_TARGET_DSN. data_dir is left out: SCHEMALEDGER_DATA_DIR ranks
// below config.yaml and is applied by paths.ResolveDataDir.
var envKeys = []string{
	cfgKeyBackend,
	cfgKeyHolderID,
	cfgKeyLockTTL,
	cfgKeySyncTimeout,
	cfgKeyAutoResolve,
	cfgKeyTargetDriver,
	cfgKeyTargetDSN,
	cfgKeyTargetSchema,
	cfgKeyMetadataFile,
	cfgKeyLogLevel,
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// loadConfig reads config.yaml from configDir using Viper. It creates the
// config directory and a default config.yaml on first run.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyBackend, types.BackendSQLite)
	v.SetDefault(cfgKeyLockTTL, schemasync.DefaultLockTTL)
	v.SetDefault(cfgKeySyncTimeout, schemasync.DefaultSyncTimeout)
	v.SetDefault(cfgKeyAutoResolve, true)
	v.SetDefault(cfgKeyTargetDriver, types.BackendSQLite)
	v.SetDefault(cfgKeyMetadataFile, defaultMetadataFile)
	v.SetDefault(cfgKeyLogLevel, zerolog.InfoLevel.String())
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	for _, key := range envKeys {
		if err := v.BindEnv(key, envName(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// readSettings validates the loaded keys. A relative metadata file is taken
// relative to the config directory.
func readSettings(v *viper.Viper, configDir string) (settings, error) {
	cfg := settings{
		Backend:      v.GetString(cfgKeyBackend),
		HolderID:     v.GetString(cfgKeyHolderID),
		LockTTL:      v.GetDuration(cfgKeyLockTTL),
		SyncTimeout:  v.GetDuration(cfgKeySyncTimeout),
		AutoResolve:  v.GetBool(cfgKeyAutoResolve),
		IgnoreTables: v.GetStringSlice(cfgKeyIgnoreTables),
		TargetDriver: v.GetString(cfgKeyTargetDriver),
		TargetDSN:    v.GetString(cfgKeyTargetDSN),
		TargetSchema: v.GetString(cfgKeyTargetSchema),
		MetadataFile: v.GetString(cfgKeyMetadataFile),
	}
	if err := (types.Config{Backend: cfg.Backend}).Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", cfgKeyBackend, err)
	}
	if cfg.LockTTL <= 0 {
		return cfg, fmt.Errorf("config %s: %w", cfgKeyLockTTL, types.ErrInvalidTTL)
	}
	if cfg.SyncTimeout <= 0 {
		return cfg, fmt.Errorf("config %s must be positive", cfgKeySyncTimeout)
	}
	if _, err := ddl.ForDriver(cfg.TargetDriver); err != nil {
		return cfg, fmt.Errorf("config %s: %w", cfgKeyTargetDriver, err)
	}
	level, err := zerolog.ParseLevel(v.GetString(cfgKeyLogLevel))
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", cfgKeyLogLevel, err)
	}
	cfg.LogLevel = level

	if cfg.MetadataFile != "" && !filepath.IsAbs(cfg.MetadataFile) {
		cfg.MetadataFile = filepath.Join(configDir, cfg.MetadataFile)
	}
	if cfg.HolderID == "" {
		cfg.HolderID = defaultHolderID()
	}
	return cfg, nil
}

// defaultHolderID names this process in the schema lock.
func defaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "schemactl"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// ensureDefaultConfigFile creates a default config.yaml if the file does not
// exist in the config directory.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
