package server

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// InitLogger initializes the global logger from cfg.
func InitLogger(cfg *Config) error {
	logCfg := &log.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File: log.FileLogConfig{
			Filename: cfg.LogFile,
		},
	}
	logger, props, err := log.InitLogger(logCfg)
	if err != nil {
		return errors.Annotate(err, "init logger")
	}
	log.ReplaceGlobals(logger, props)
	return nil
}
