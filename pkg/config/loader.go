// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/etcd/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix marks process environment variables that override config
// keys: KPATH_SERVER__PORT=9090 sets server.port.
const envPrefix = "KPATH_"

// ConfigType names where the YAML document comes from.
type ConfigType string

const (
	ConfigTypeFile      ConfigType = "file"
	ConfigTypeConsul    ConfigType = "consul"
	ConfigTypeEtcd      ConfigType = "etcd"
	ConfigTypeZookeeper ConfigType = "zookeeper"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Type ConfigType

	// Path is the file path, or the key/znode for remote sources.
	Path string

	// Endpoints addresses the remote KV store.
	Endpoints []string

	// Watch re-loads the config when the source changes.
	Watch bool

	// OnChange is invoked with each successfully reloaded config.
	OnChange func(*Config) error
}

// Loader reads, expands, and unmarshals the configuration from its
// source, optionally watching for changes.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

// NewLoader validates options and builds a Loader.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = ConfigTypeFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case ConfigTypeConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case ConfigTypeEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case ConfigTypeZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

// Load reads the source, expands ${VAR} references, and returns the
// processed config.
func (l *Loader) Load() (*Config, error) {
	var provider koanf.Provider

	switch l.options.Type {
	case ConfigTypeFile:
		provider = file.Provider(l.options.Path)

	case ConfigTypeConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		consulProvider, err := consul.Provider(consul.Config{
			Cfg: consulConfig,
			Key: l.options.Path,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create consul provider: %w", err)
		}
		provider = consulProvider

	case ConfigTypeEtcd:
		etcdProvider, err := etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd provider: %w", err)
		}
		provider = etcdProvider

	case ConfigTypeZookeeper:
		zkProvider, err := NewZookeeperProvider(l.options.Endpoints, l.options.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create zookeeper provider: %w", err)
		}
		provider = zkProvider

	default:
		return nil, fmt.Errorf("unsupported config type: %s", l.options.Type)
	}

	if err := l.koanf.Load(provider, l.parserFor()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Type, err)
	}

	// KPATH_-prefixed environment variables override document keys,
	// with "__" standing in for the key separator.
	if err := l.koanf.Load(env.Provider(envPrefix, ".", func(key string) string {
		key = strings.TrimPrefix(key, envPrefix)
		return strings.ReplaceAll(strings.ToLower(key), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := l.expandEnvVarsInKoanf(); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	cfg, err := l.unmarshalAndProcess()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}

	return cfg, nil
}

// parserFor returns the YAML parser for sources that hand back raw
// bytes; the consul and etcd providers already return key/value maps.
func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == ConfigTypeFile || l.options.Type == ConfigTypeZookeeper {
		return l.parser
	}
	return nil
}

// Watcher is satisfied by providers that can push change events.
type Watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	watcher, ok := provider.(Watcher)
	if !ok {
		slog.Warn("config provider does not support watching", "type", l.options.Type)
		return
	}

	slog.Info("config watcher started", "type", l.options.Type)

	err := watcher.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			slog.Info("config watcher stopped", "type", l.options.Type)
			return
		default:
		}

		if err != nil {
			slog.Warn("config watch error", "error", err)
			return
		}

		if err := l.koanf.Load(provider, l.parserFor()); err != nil {
			slog.Warn("failed to reload config", "error", err)
			return
		}

		if err := l.expandEnvVarsInKoanf(); err != nil {
			slog.Warn("failed to expand env vars in reloaded config", "error", err)
			return
		}

		newCfg, err := l.unmarshalAndProcess()
		if err != nil {
			slog.Warn("reloaded config processing failed", "error", err)
			return
		}

		if l.options.OnChange == nil {
			slog.Warn("config change detected but no OnChange callback set")
			return
		}
		if err := l.options.OnChange(newCfg); err != nil {
			slog.Warn("config change callback failed", "error", err)
		} else {
			slog.Info("configuration reloaded", "type", l.options.Type)
		}
	})

	if err != nil {
		slog.Warn("config watch stopped with error", "error", err)
	}
}

func (l *Loader) unmarshalAndProcess() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "yaml",
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return ProcessConfigPipeline(cfg)
}

func (l *Loader) expandEnvVarsInKoanf() error {
	rawMap := l.koanf.Raw()

	expandedMap := ExpandEnvVarsInData(rawMap)

	expandedMapData, ok := expandedMap.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}

	newKoanf := koanf.New(".")
	if err := newKoanf.Load(confmap.Provider(expandedMapData, "."), nil); err != nil {
		return fmt.Errorf("failed to load expanded config: %w", err)
	}

	l.koanf = newKoanf

	return nil
}

// Stop terminates the watch loop, if one is running.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// SetOnChange installs the reload callback after construction.
func (l *Loader) SetOnChange(callback func(*Config) error) {
	l.options.OnChange = callback
}

// LoadConfig is the one-shot convenience wrapper.
func LoadConfig(opts LoaderOptions) (*Config, error) {
	cfg, _, err := LoadConfigWithLoader(opts)
	return cfg, err
}

// LoadConfigWithLoader returns the loader too, for callers that want
// Stop or watch control.
func LoadConfigWithLoader(opts LoaderOptions) (*Config, *Loader, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create loader: %w", err)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, loader, nil
}

// ParseConfigType normalizes a user-supplied source name.
func ParseConfigType(s string) (ConfigType, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	switch s {
	case "file":
		return ConfigTypeFile, nil
	case "consul":
		return ConfigTypeConsul, nil
	case "etcd":
		return ConfigTypeEtcd, nil
	case "zookeeper", "zk":
		return ConfigTypeZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config type: %s (valid types: file, consul, etcd, zookeeper)", s)
	}
}
