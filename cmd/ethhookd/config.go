package main

import (
	"encoding/json"
	"flag"
	"os"
	"path"
	"strings"

	"github.com/omeid/uconfig"
	"github.com/omeid/uconfig/plugins"
	"github.com/omeid/uconfig/plugins/file"
	"github.com/rs/zerolog/log"
)

// configFilename is the filename of the config file automatically loaded,
// matching the teacher's cmd/api/config.go convention.
var configFilename = "config.json"

type config struct {
	Dir                string `default:"${HOME}/.ethhookd"`
	Environment        string `default:"development" env:"ETHHOOK_ENV"` // development|production
	BootstrapBackupURL string `default:"" env:"ETHHOOK_BOOTSTRAP_BACKUP_URL"`

	Log struct {
		Human bool `default:"false"`
		Debug bool `default:"false"`
	}
	Metrics struct {
		Port string `default:"9090"`
	}
	Health struct {
		Port string `default:"8081"`
	}

	Redis struct {
		URL string `default:"redis://127.0.0.1:6379/0" env:"ETHHOOK_REDIS_URL"`
	}
	Dedup struct {
		TTL string `default:"1h"`
	}
	FilterManager struct {
		RefreshInterval string `default:"300s"`
	}
	Processor struct {
		ConsumerGroup string `default:"ethhook-processor"`
	}

	ConfigStore struct {
		Path string `default:"configstore.db"` // relative to Dir
	}

	Backup BackupConfig

	Chains []ChainConfig
}

// BackupConfig configures the periodic Config Store SQLite backup,
// mirroring the teacher's cmd/api/config.go BackupConfig field-for-field.
type BackupConfig struct {
	Enabled           bool   `default:"true"`
	Dir               string `default:"backups"` // relative to Dir
	Frequency         int    `default:"120"`      // in minutes
	EnableVacuum      bool   `default:"true"`
	EnableCompression bool   `default:"true"`
	Pruning           struct {
		Enabled   bool `default:"true"`
		KeepFiles int  `default:"5"`
	}
}

// ChainConfig is one configured chain's RPC endpoints, mirroring
// spec.md §3/§6's Chain attributes.
type ChainConfig struct {
	Name       string `default:""`
	ChainID    uint64 `default:"0"`
	PushURL    string `default:""` // push-subscription endpoint (newHeads).
	RequestURL string `default:""` // request/response endpoint (getLogs).
}

func setupConfig() (*config, string) {
	flagDirPath := flag.String("dir", "${HOME}/.ethhookd", "Directory where the configuration and DB exist")
	flag.Parse()
	if flagDirPath == nil {
		log.Fatal().Msg("--dir is null")
		return nil, ""
	}
	dirPath := os.ExpandEnv(*flagDirPath)
	_ = os.MkdirAll(dirPath, 0o755)

	var confPlugins []plugins.Plugin
	fullPath := path.Join(dirPath, configFilename)
	configFileBytes, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		log.Info().Str("config_file_path", fullPath).Msg("config file not found")
	} else if err != nil {
		log.Fatal().Str("config_file_path", fullPath).Err(err).Msg("opening config file")
	} else {
		fileStr := os.ExpandEnv(string(configFileBytes))
		confPlugins = append(confPlugins, file.NewReader(strings.NewReader(fileStr), json.Unmarshal))
	}

	conf := &config{}
	c, err := uconfig.Classic(&conf, file.Files{}, confPlugins...)
	if err != nil {
		c.Usage()
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	return conf, dirPath
}
