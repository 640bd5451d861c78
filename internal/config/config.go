// Package config loads the node's INI configuration. This package only
// owns turning a parsed file into the typed structs the node's
// subsystems (chaman, tracker, trlog, logging) need.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/wwwVladislav/MedvedDB/internal/logging"
)

type ServerConfig struct {
	Listen  string
	Workers int
}

type StorageConfig struct {
	Path         string
	Workers      int
	WorkerQueues int
}

type ConnectionConfig struct {
	RetryInterval    time.Duration
	KeepIdle         time.Duration
	KeepCount        int
	KeepInterval     time.Duration
	ResponseTimeout  time.Duration
	CollisionPenalty time.Duration
}

type ClusterConfig struct {
	Nodes []string
}

type LogConfig struct {
	Level logging.Level
}

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Connection ConnectionConfig
	Cluster    ClusterConfig
	Log        LogConfig
}

// Default returns the values a Config field falls back to when left
// zero by the loaded file.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Listen: "0.0.0.0:5002", Workers: 4},
		Storage: StorageConfig{Path: "./data", Workers: 4, WorkerQueues: 4},
		Connection: ConnectionConfig{
			RetryInterval:    5 * time.Second,
			KeepIdle:         30 * time.Second,
			KeepCount:        3,
			KeepInterval:     5 * time.Second,
			ResponseTimeout:  10 * time.Second,
			CollisionPenalty: 1 * time.Second,
		},
		Log: LogConfig{Level: logging.LevelInfo},
	}
}

// Load reads an INI file at path and overlays it onto Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %s", path)
	}

	if sec := f.Section("server"); sec != nil {
		if k := sec.Key("listen"); k.String() != "" {
			cfg.Server.Listen = k.String()
		}
		if v, err := sec.Key("workers").Int(); err == nil && v > 0 {
			cfg.Server.Workers = v
		}
	}

	if sec := f.Section("storage"); sec != nil {
		if k := sec.Key("path"); k.String() != "" {
			cfg.Storage.Path = k.String()
		}
		if v, err := sec.Key("workers").Int(); err == nil && v > 0 {
			cfg.Storage.Workers = v
		}
		if v, err := sec.Key("worker_queues").Int(); err == nil && v > 0 {
			cfg.Storage.WorkerQueues = v
		}
	}

	if sec := f.Section("connection"); sec != nil {
		setSeconds(sec, "retry_interval", &cfg.Connection.RetryInterval)
		setSeconds(sec, "keep_idle", &cfg.Connection.KeepIdle)
		setSeconds(sec, "keep_interval", &cfg.Connection.KeepInterval)
		setSeconds(sec, "response_timeout", &cfg.Connection.ResponseTimeout)
		setSeconds(sec, "collision_penalty", &cfg.Connection.CollisionPenalty)
		if v, err := sec.Key("keep_count").Int(); err == nil && v > 0 {
			cfg.Connection.KeepCount = v
		}
	}

	if sec := f.Section("cluster"); sec != nil {
		if raw := sec.Key("nodes").String(); raw != "" {
			parts := strings.Split(raw, ",")
			nodes := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					nodes = append(nodes, p)
				}
			}
			cfg.Cluster.Nodes = nodes
		}
	}

	if sec := f.Section("log"); sec != nil {
		if lvl := sec.Key("level").String(); lvl != "" {
			cfg.Log.Level = logging.Level(lvl)
		}
	}

	return cfg, nil
}

func setSeconds(sec *ini.Section, key string, out *time.Duration) {
	if v, err := sec.Key(key).Int(); err == nil && v > 0 {
		*out = time.Duration(v) * time.Second
	}
}
