package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// FileConfig is the on-disk shape of posreplicator.toml. It mirrors Config
// but keeps the two endpoints side by side for readability in the file,
// the same split the CLI flags use (source-*, target-*).
type FileConfig struct {
	Source struct {
		Host     string `toml:"host"`
		Port     uint16 `toml:"port"`
		User     string `toml:"user"`
		Password string `toml:"password"`
		DBName   string `toml:"dbname"`
	} `toml:"source"`
	Target struct {
		Host     string `toml:"host"`
		Port     uint16 `toml:"port"`
		User     string `toml:"user"`
		Password string `toml:"password"`
		DBName   string `toml:"dbname"`
	} `toml:"target"`
	ChunkSize      int    `toml:"chunk_size"`
	CommitInterval int    `toml:"commit_interval"`
	ReplicaPrefix  string `toml:"replica_prefix"`
	OutputDir      string `toml:"output_dir"`
	MaxWorkers     int    `toml:"max_workers"`
	Logging        struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

// LoggingOptions mirrors obslog.Options without importing obslog, keeping
// endpoint free of a dependency on the logging package.
type LoggingOptions struct {
	Level  string
	Format string
}

// Load reads posreplicator.toml (explicit path, or the first of the usual
// candidate locations) into a Config, then applies POSREPLICATOR_* environment
// overrides. Precedence is defaults -> file -> env -> CLI flags, the same
// order the teacher's appconfig.Load/applyEnv pair uses.
func Load(path string) (Config, LoggingOptions, error) {
	cfg := Defaults()
	logOpts := LoggingOptions{Level: "info", Format: "console"}

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		var fc FileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return cfg, logOpts, fmt.Errorf("parse config %s: %w", path, err)
		}
		applyFileConfig(&cfg, &logOpts, fc)
	}

	applyEnv(&cfg, &logOpts)
	return cfg, logOpts, nil
}

func applyFileConfig(cfg *Config, logOpts *LoggingOptions, fc FileConfig) {
	if fc.Source.Host != "" {
		cfg.Source.Host = fc.Source.Host
	}
	if fc.Source.Port != 0 {
		cfg.Source.Port = fc.Source.Port
	}
	if fc.Source.User != "" {
		cfg.Source.User = fc.Source.User
	}
	if fc.Source.Password != "" {
		cfg.Source.Password = fc.Source.Password
	}
	if fc.Source.DBName != "" {
		cfg.Source.DBName = fc.Source.DBName
	}
	if fc.Target.Host != "" {
		cfg.Target.Host = fc.Target.Host
	}
	if fc.Target.Port != 0 {
		cfg.Target.Port = fc.Target.Port
	}
	if fc.Target.User != "" {
		cfg.Target.User = fc.Target.User
	}
	if fc.Target.Password != "" {
		cfg.Target.Password = fc.Target.Password
	}
	if fc.Target.DBName != "" {
		cfg.Target.DBName = fc.Target.DBName
	}
	if fc.ChunkSize != 0 {
		cfg.ChunkSize = fc.ChunkSize
	}
	if fc.CommitInterval != 0 {
		cfg.CommitInterval = fc.CommitInterval
	}
	if fc.ReplicaPrefix != "" {
		cfg.ReplicaPrefix = fc.ReplicaPrefix
	}
	if fc.OutputDir != "" {
		cfg.OutputDir = fc.OutputDir
	}
	if fc.MaxWorkers != 0 {
		cfg.MaxWorkers = fc.MaxWorkers
	}
	if fc.Logging.Level != "" {
		logOpts.Level = fc.Logging.Level
	}
	if fc.Logging.Format != "" {
		logOpts.Format = fc.Logging.Format
	}
}

func findConfigFile() string {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".posreplicator", "config.toml"))
	}
	candidates = append(candidates, "/etc/posreplicator/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config, logOpts *LoggingOptions) {
	if v := os.Getenv("POSREPLICATOR_SOURCE_HOST"); v != "" {
		cfg.Source.Host = v
	}
	if v := os.Getenv("POSREPLICATOR_SOURCE_DBNAME"); v != "" {
		cfg.Source.DBName = v
	}
	if v := os.Getenv("POSREPLICATOR_TARGET_HOST"); v != "" {
		cfg.Target.Host = v
	}
	if v := os.Getenv("POSREPLICATOR_TARGET_DBNAME"); v != "" {
		cfg.Target.DBName = v
	}
	if v := os.Getenv("POSREPLICATOR_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("POSREPLICATOR_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("POSREPLICATOR_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("POSREPLICATOR_LOG_LEVEL"); v != "" {
		logOpts.Level = v
	}
	if v := os.Getenv("POSREPLICATOR_LOG_FORMAT"); v != "" {
		logOpts.Format = v
	}
}
