package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/schemaledger/internal/metadata"
	"github.com/mesh-intelligence/schemaledger/internal/paths"
	"github.com/mesh-intelligence/schemaledger/internal/schemasync"
	"github.com/mesh-intelligence/schemaledger/internal/sqlite"
	storefactory "github.com/mesh-intelligence/schemaledger/pkg/sqlite"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// configFile holds the structure init writes to config.yaml.
type configFile struct {
	Backend  string `yaml:"backend"`
	DataDir  string `yaml:"data_dir,omitempty"`
	HolderID string `yaml:"holder_id,omitempty"`
	Lock     struct {
		TTL string `yaml:"ttl"`
	} `yaml:"lock"`
	Sync struct {
		Timeout     string `yaml:"timeout"`
		AutoResolve bool   `yaml:"auto_resolve"`
	} `yaml:"sync"`
	Target struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn,omitempty"`
	} `yaml:"target"`
	Metadata struct {
		File string `yaml:"file"`
	} `yaml:"metadata"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type initOptions struct {
	targetDriver string
	targetDSN    string
}

func newInitCmd(a *app) *cobra.Command {
	var opts initOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration, metadata, and the coordination store",
		Long: "Write config.yaml and an empty metadata.yaml to the config directory if\n" +
			"they are missing, then create the coordination store and apply its\n" +
			"migrations. Running init again keeps existing files and data.",
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, a)
		},
	}
	cmd.Flags().StringVar(&opts.targetDriver, "target-driver", types.BackendSQLite, "target database driver (sqlite|postgres)")
	cmd.Flags().StringVar(&opts.targetDSN, "target-dsn", "", "target database DSN")
	a.initOpts = &opts
	return cmd
}

// prepareInit writes config.yaml for init when it does not exist yet, so the
// root hook loads what init was asked to create.
func (a *app) prepareInit() error {
	configDir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolving config dir: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeConfigIfMissing(filepath.Join(configDir, configFileExt), a.flags.dataDir, *a.initOpts)
}

func runInit(cmd *cobra.Command, a *app) error {
	metaPath := a.cfg.MetadataFile
	if err := writeMetadataIfMissing(metaPath); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	if err := storefactory.Init(types.Config{Backend: a.cfg.Backend, DataDir: a.cfg.DataDir}); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.flags.jsonMode {
		return printJSON(out, map[string]string{
			"configDir":    a.configDir,
			"dataDir":      a.cfg.DataDir,
			"metadataFile": metaPath,
		})
	}
	fmt.Fprintf(out, "config:   %s\n", filepath.Join(a.configDir, configFileExt))
	fmt.Fprintf(out, "metadata: %s\n", metaPath)
	fmt.Fprintf(out, "store:    %s\n", filepath.Join(a.cfg.DataDir, sqlite.DatabaseFile))
	fmt.Fprintln(out, "schemaledger initialized successfully")
	return nil
}

// writeConfigIfMissing creates config.yaml with default values if the file
// does not exist. If it already exists, the function returns nil (idempotent).
func writeConfigIfMissing(path, dataDir string, opts initOptions) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var cfg configFile
	cfg.Backend = types.BackendSQLite
	cfg.DataDir = dataDir
	cfg.Lock.TTL = schemasync.DefaultLockTTL.String()
	cfg.Sync.Timeout = schemasync.DefaultSyncTimeout.String()
	cfg.Sync.AutoResolve = true
	cfg.Target.Driver = opts.targetDriver
	cfg.Target.DSN = opts.targetDSN
	cfg.Metadata.File = defaultMetadataFile
	cfg.Log.Level = "info"

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// writeMetadataIfMissing creates a metadata file declaring no collections.
func writeMetadataIfMissing(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := metadata.Encode([]types.CollectionDef{})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
