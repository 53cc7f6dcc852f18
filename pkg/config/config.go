package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Config - корневая структура конфигурации мастера
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger     LoggerConfig     `yaml:"logger" validate:"required"`
	Server     ServerConfig     `yaml:"http-server" validate:"required"`
	Catalog    CatalogConfig    `yaml:"catalog" validate:"required"`
	SysCatalog SysCatalogConfig `yaml:"sys_catalog" validate:"required"`
	Raft       RaftConfig       `yaml:"raft"`
	ZooKeeper  ZooKeeperConfig  `yaml:"zookeeper"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// CatalogConfig holds the knobs of the in-memory catalog and the tasks it runs.
type CatalogConfig struct {
	// A replica whose last heartbeat is older than this is stale.
	TServerUnresponsiveTimeout time.Duration `yaml:"tserver_unresponsive_timeout" validate:"required"`
	ReplicationFactor          int           `yaml:"replication_factor" validate:"required,min=1"`
	DefaultNumTablets          int           `yaml:"default_num_tablets" validate:"required,min=1"`
	TasksTrackerNumTasks       int           `yaml:"tasks_tracker_num_tasks" validate:"min=0"`
	TaskMaxAttempts            int           `yaml:"task_max_attempts" validate:"required,min=1"`
	TaskRetryMin               time.Duration `yaml:"task_retry_min"`
	TaskRetryMax               time.Duration `yaml:"task_retry_max"`
	LeaderStepDownFailureTTL   time.Duration `yaml:"leader_stepdown_failure_ttl"`
	TServerRPCTimeout          time.Duration `yaml:"tserver_rpc_timeout"`
	HeartbeatQueueSize         int           `yaml:"heartbeat_queue_size" validate:"min=0"`
	MetricsInterval            time.Duration `yaml:"metrics_interval"`

	// Split children keep the parent hidden instead of deleting it.
	RetainSplitParentsHidden bool `yaml:"retain_split_parents_hidden"`
}

type SysCatalogConfig struct {
	Dir        string `yaml:"dir" validate:"required"`
	Replicated bool   `yaml:"replicated"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type RaftConfig struct {
	ID                        uint64           `yaml:"id"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	TickInterval              time.Duration    `yaml:"tick_interval"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	RootPath       string        `yaml:"root_path"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              7100,
			ReadHeaderTimeout: time.Second,
		},
		Catalog: CatalogConfig{
			TServerUnresponsiveTimeout: 60 * time.Second,
			ReplicationFactor:          3,
			DefaultNumTablets:          4,
			TasksTrackerNumTasks:       100,
			TaskMaxAttempts:            10,
			TaskRetryMin:               50 * time.Millisecond,
			TaskRetryMax:               5 * time.Second,
			LeaderStepDownFailureTTL:   30 * time.Second,
			TServerRPCTimeout:          10 * time.Second,
			HeartbeatQueueSize:         256,
			MetricsInterval:            10 * time.Second,
			RetainSplitParentsHidden:   false,
		},
		SysCatalog: SysCatalogConfig{
			Dir: "./data/sys-catalog",
		},
		Raft: RaftConfig{
			ID:                        1,
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1 << 20,
			MaxCommittedSizePerReady:  1 << 22,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			TickInterval:              100 * time.Millisecond,
		},
		ZooKeeper: ZooKeeperConfig{
			RootPath:       "/metacat",
			SessionTimeout: 5 * time.Second,
		},
	}
}

// Validate checks the settings the master cannot start without.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "http-server.port %d out of range", c.Server.Port)
	check(c.Catalog.ReplicationFactor >= 1, "catalog.replication_factor must be positive")
	check(c.Catalog.DefaultNumTablets >= 1, "catalog.default_num_tablets must be positive")
	check(c.Catalog.TaskMaxAttempts >= 1, "catalog.task_max_attempts must be positive")
	check(c.Catalog.TServerUnresponsiveTimeout > 0, "catalog.tserver_unresponsive_timeout must be positive")
	check(c.Catalog.TaskRetryMin <= c.Catalog.TaskRetryMax,
		"catalog.task_retry_min %s is above task_retry_max %s", c.Catalog.TaskRetryMin, c.Catalog.TaskRetryMax)
	check(c.Catalog.MetricsInterval > 0, "catalog.metrics_interval must be positive")
	check(c.Catalog.HeartbeatQueueSize >= 0, "catalog.heartbeat_queue_size must not be negative")
	check(c.SysCatalog.Dir != "", "sys_catalog.dir is required")

	if c.SysCatalog.Replicated {
		found := false
		for _, p := range c.Raft.Peers {
			found = found || p.ID == c.Raft.ID
		}
		check(found, "raft.id %d is not among raft.peers", c.Raft.ID)
	}
	if len(problems) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
