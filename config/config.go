/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the ini file of the cepengine command and builds the
// rule directory and result sink it describes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/endpoint"
	"gopkg.in/ini.v1"
)

const (
	// ListenerSectionPrefix marks a listener section, for example [listener.orders]
	ListenerSectionPrefix = "listener."
	sectionUsers          = "users"
	sectionSinkMqtt       = "sink.mqtt"
	sectionSinkKafka      = "sink.kafka"
	sectionSinkHttp       = "sink.http"
)

const (
	DirectoryMemory = "memory"
	DirectoryFile   = "file"
	DirectorySql    = "sql"
)

const (
	SinkLog       = "log"
	SinkMqtt      = "mqtt"
	SinkKafka     = "kafka"
	SinkHttp      = "http"
	SinkWebsocket = "websocket"
)

type Config struct {
	// LogFile 日志文件，为空输出到标准输出
	LogFile string `ini:"log_file"`
	// LogMaxSize 日志文件滚动大小，单位MB
	LogMaxSize int `ini:"log_max_size"`
	// LogMaxBackups 保留的历史日志文件数量
	LogMaxBackups int `ini:"log_max_backups"`

	Engine    Engine    `ini:"engine"`
	Api       Api       `ini:"api"`
	Directory Directory `ini:"directory"`
	Sink      Sink      `ini:"sink"`

	// Users 用户名和bcrypt密码哈希映射，来自[users]
	Users map[string]string `ini:"-"`
	// Listeners 来自[listener.<id>]
	Listeners []endpoint.Definition `ini:"-"`
}

// Engine maps the [engine] section onto types.Config.
type Engine struct {
	RingCapacity        int           `ini:"ring_capacity"`
	WorkerCount         int           `ini:"worker_count"`
	ProducerType        string        `ini:"producer_type"`
	WaitStrategy        string        `ini:"wait_strategy"`
	HealthCheckInterval time.Duration `ini:"health_check_interval"`
	MaxRestartAttempts  int           `ini:"max_restart_attempts"`
	RuntimeIdleTTL      time.Duration `ini:"runtime_idle_ttl"`
	ClaimTimeout        time.Duration `ini:"claim_timeout"`
	EventKind           string        `ini:"event_kind"`
	DedupeActiveRules   bool          `ini:"dedupe_active_rules"`
	DefaultLanguage     string        `ini:"default_language"`
	// ScriptMaxExecutionTime JS脚本执行超时时间，单位毫秒
	ScriptMaxExecutionTime int `ini:"script_max_execution_time"`
}

type Api struct {
	// Server 运维接口监听地址，为空不启动
	Server string `ini:"server"`
}

type Directory struct {
	// Type memory, file or sql
	Type string `ini:"type"`
	// Path rule file directory for type file
	Path  string `ini:"path"`
	Watch bool   `ini:"watch"`
	// Driver mysql, postgres or sqlite for type sql
	Driver          string        `ini:"driver"`
	Dsn             string        `ini:"dsn"`
	Table           string        `ini:"table"`
	PoolSize        int           `ini:"pool_size"`
	QueryTimeout    time.Duration `ini:"query_timeout"`
	RefreshInterval time.Duration `ini:"refresh_interval"`
	EnsureSchema    bool          `ini:"ensure_schema"`
	// ContentTTL caches rule content in front of the store. 0 disables the cache.
	ContentTTL time.Duration `ini:"content_ttl"`
	ListTTL    time.Duration `ini:"list_ttl"`
}

type Sink struct {
	// Types log, mqtt, kafka, http or websocket, comma separated
	Types []string `ini:"types" delim:","`
	// AsyncWorkers publishes on a worker pool when greater than 0
	AsyncWorkers int           `ini:"async_workers"`
	Timeout      time.Duration `ini:"timeout"`

	Mqtt  map[string]interface{} `ini:"-"`
	Kafka map[string]interface{} `ini:"-"`
	Http  map[string]interface{} `ini:"-"`
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	LogMaxSize:    100,
	LogMaxBackups: 5,
	Engine: Engine{
		RingCapacity:           1024,
		WorkerCount:            4,
		ProducerType:           types.ProducerSingle,
		WaitStrategy:           types.WaitSleeping,
		HealthCheckInterval:    30 * time.Second,
		MaxRestartAttempts:     3,
		EventKind:              types.DefaultEventKind,
		DedupeActiveRules:      true,
		DefaultLanguage:        types.LanguageJs,
		ScriptMaxExecutionTime: 2000,
	},
	Api: Api{
		Server: ":9091",
	},
	Directory: Directory{
		Type: DirectoryMemory,
	},
	Sink: Sink{
		Types: []string{SinkLog},
	},
}

// Load reads an ini file over DefaultConfig.
func Load(path string) (Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(cfg)
}

// Parse maps a loaded ini file over DefaultConfig.
func Parse(cfg *ini.File) (Config, error) {
	c := DefaultConfig
	c.Sink.Types = append([]string(nil), DefaultConfig.Sink.Types...)
	if err := cfg.MapTo(&c); err != nil {
		return Config{}, err
	}
	if section, err := cfg.GetSection(sectionUsers); err == nil {
		c.Users = section.KeysHash()
	}
	c.Sink.Mqtt = sectionMap(cfg, sectionSinkMqtt)
	c.Sink.Kafka = sectionMap(cfg, sectionSinkKafka)
	c.Sink.Http = sectionMap(cfg, sectionSinkHttp)

	for _, section := range cfg.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, ListenerSectionPrefix) {
			continue
		}
		def := endpoint.Definition{
			Id:            strings.TrimPrefix(name, ListenerSectionPrefix),
			Configuration: map[string]interface{}{},
		}
		for _, key := range section.Keys() {
			if key.Name() == "type" {
				def.Type = key.String()
			} else {
				def.Configuration[key.Name()] = key.String()
			}
		}
		if def.Id == "" || def.Type == "" {
			return Config{}, fmt.Errorf("%w: section [%s] needs an id and a type", types.ErrInvalidConfig, name)
		}
		c.Listeners = append(c.Listeners, def)
	}
	return c, nil
}

func sectionMap(cfg *ini.File, name string) map[string]interface{} {
	section, err := cfg.GetSection(name)
	if err != nil {
		return nil
	}
	m := make(map[string]interface{})
	for k, v := range section.KeysHash() {
		m[k] = v
	}
	return m
}

// EngineConfig converts the [engine] section, logging to logger.
func (c Config) EngineConfig(logger types.Logger) types.Config {
	e := c.Engine
	return types.NewConfig(
		types.WithRingCapacity(e.RingCapacity),
		types.WithWorkerCount(e.WorkerCount),
		types.WithProducerType(e.ProducerType),
		types.WithWaitStrategy(e.WaitStrategy),
		types.WithHealthCheckInterval(e.HealthCheckInterval),
		types.WithMaxRestartAttempts(e.MaxRestartAttempts),
		types.WithRuntimeIdleTTL(e.RuntimeIdleTTL),
		types.WithClaimTimeout(e.ClaimTimeout),
		types.WithEventKind(e.EventKind),
		types.WithDedupeActiveRules(e.DedupeActiveRules),
		types.WithDefaultLanguage(e.DefaultLanguage),
		types.WithScriptMaxExecutionTime(time.Duration(e.ScriptMaxExecutionTime)*time.Millisecond),
		types.WithLogger(logger),
	)
}

// HasSink reports whether the sink type is listed in [sink] types.
func (c Config) HasSink(sinkType string) bool {
	for _, t := range c.Sink.Types {
		if strings.EqualFold(strings.TrimSpace(t), sinkType) {
			return true
		}
	}
	return false
}
