package server

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pingcap/log"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hanfei1991/jobcoord/jobmaster/classloading"
	"github.com/hanfei1991/jobcoord/jobmaster/config"
	"github.com/hanfei1991/jobcoord/notify"
	"github.com/hanfei1991/jobcoord/pkg/errors"
)

const (
	defaultAddr       = "127.0.0.1:10260"
	defaultStatusAddr = "127.0.0.1:10261"

	envConfigFile = "JOBCOORD_CONFIG"
	envJobID      = "JOBCOORD_JOB_ID"
)

// EtcdConfig is the configuration of the etcd cluster the epochs are
// allocated from.
type EtcdConfig struct {
	Endpoints   []string      `toml:"endpoints" json:"endpoints"`
	DialTimeout time.Duration `toml:"dial-timeout" json:"dial-timeout"`
}

// ClassloadingConfig configures where classloading properties come from.
// S3 takes precedence over the static lists.
type ClassloadingConfig struct {
	Jars       []string               `toml:"jars" json:"jars"`
	Classpaths []string               `toml:"classpaths" json:"classpaths"`
	S3         *classloading.S3Config `toml:"s3" json:"s3,omitempty"`
}

// Config is the configuration of a job master process.
type Config struct {
	flagSet *pflag.FlagSet

	LogLevel  string `toml:"log-level" json:"log-level"`
	LogFile   string `toml:"log-file" json:"log-file"`
	LogFormat string `toml:"log-format" json:"log-format"`

	JobID         string `toml:"job-id" json:"job-id"`
	Addr          string `toml:"addr" json:"addr"`
	AdvertiseAddr string `toml:"advertise-addr" json:"advertise-addr"`
	StatusAddr    string `toml:"status-addr" json:"status-addr"`
	// AutoStart starts the job once the gateway is serving.
	AutoStart bool `toml:"auto-start" json:"auto-start"`

	ResourceManagerAddr string `toml:"resource-manager-addr" json:"resource-manager-addr"`
	// ResourceManagerLeaderKey is the etcd key holding the address of the
	// resource manager leader. Every change is announced to the job master.
	ResourceManagerLeaderKey string `toml:"resource-manager-leader-key" json:"resource-manager-leader-key"`
	TaskExecutorAddr         string `toml:"task-executor-addr" json:"task-executor-addr"`

	ConfigFile string `toml:"config-file" json:"config-file"`

	etcdEndpoints string

	Etcd         EtcdConfig           `toml:"etcd" json:"etcd"`
	Timeouts     config.TimeoutConfig `toml:"timeouts" json:"timeouts"`
	Classloading ClassloadingConfig   `toml:"classloading" json:"classloading"`
	Notify       *notify.Config       `toml:"notify" json:"notify,omitempty"`
}

// NewConfig creates a config with default values. Flags are bound to the
// returned config and applied by Parse.
func NewConfig() *Config {
	cfg := &Config{
		Timeouts: config.DefaultTimeoutConfig(),
	}
	cfg.flagSet = pflag.NewFlagSet("jobmaster", pflag.ContinueOnError)
	fs := cfg.flagSet

	fs.StringVar(&cfg.ConfigFile, "config", os.Getenv(envConfigFile), "path to config file")
	fs.StringVarP(&cfg.LogLevel, "log-level", "L", "info", "log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.LogFile, "log-file", "", "log file path")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", `the format of the log, "text" or "json"`)
	fs.StringVar(&cfg.JobID, "job-id", os.Getenv(envJobID), "id of the job, a random one is used if empty")
	fs.StringVar(&cfg.Addr, "addr", defaultAddr, "gateway listen address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise-addr", "", `gateway address announced to the resource manager (default "${addr}")`)
	fs.StringVar(&cfg.StatusAddr, "status-addr", defaultStatusAddr, "status API listen address, empty to disable")
	fs.BoolVar(&cfg.AutoStart, "auto-start", false, "start the job once the gateway is serving")
	fs.StringVar(&cfg.ResourceManagerAddr, "resource-manager-addr", "", "address of the resource manager")
	fs.StringVar(&cfg.ResourceManagerLeaderKey, "resource-manager-leader-key", "", "etcd key of the resource manager leader address")
	fs.StringVar(&cfg.TaskExecutorAddr, "task-executor-addr", "", "address of the task executor gateway")
	fs.StringVar(&cfg.etcdEndpoints, "etcd-endpoints", "", "comma separated etcd endpoints for epoch allocation")

	return cfg
}

// FlagSet returns the flags bound to the config.
func (c *Config) FlagSet() *pflag.FlagSet {
	return c.flagSet
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("job master config", c), zap.Error(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Wrap(errors.ErrConfigInvalid, err, "encode toml")
	}
	return b.String(), nil
}

// Parse parses flag definitions from the argument list. Values from the
// command line override values from the config file.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	if err := c.flagSet.Parse(arguments); err != nil {
		return err
	}

	if c.ConfigFile != "" {
		if err := c.configFromFile(c.ConfigFile); err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	if err := c.flagSet.Parse(arguments); err != nil {
		return err
	}
	if len(c.flagSet.Args()) != 0 {
		return errors.ErrConfigInvalid.GenWithStackByArgs("unexpected argument " + c.flagSet.Arg(0))
	}
	return c.adjust()
}

func (c *Config) adjust() error {
	if c.JobID == "" {
		c.JobID = uuid.New().String()
	}
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.Addr
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return errors.ErrConfigInvalid.GenWithStackByArgs("unknown log format " + c.LogFormat)
	}
	if c.etcdEndpoints != "" {
		c.Etcd.Endpoints = strings.Split(c.etcdEndpoints, ",")
	}
	if c.Etcd.DialTimeout <= 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	if c.ResourceManagerLeaderKey != "" && len(c.Etcd.Endpoints) == 0 {
		return errors.ErrConfigInvalid.GenWithStackByArgs("resource-manager-leader-key requires etcd endpoints")
	}
	c.Timeouts = c.Timeouts.Adjust()
	if c.Classloading.S3 != nil {
		if err := c.Classloading.S3.Validate(); err != nil {
			return err
		}
	}
	if c.Notify != nil {
		c.Notify.Adjust()
	}
	return nil
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrap(errors.ErrConfigDecodeFile, err)
	}
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return errors.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}
