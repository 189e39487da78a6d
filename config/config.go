// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cardinalhq/cloudfetch/internal/objstore"
	"github.com/cardinalhq/cloudfetch/internal/orchestrator"
	"github.com/cardinalhq/cloudfetch/internal/rangedl"
	"github.com/cardinalhq/cloudfetch/internal/task"
)

// Config is the document both subcommands read. `get` uses the URL list and
// the compute section; `worker` uses the inline or remote task list. The
// credential and bucket fields are shared and keep the flat descriptor names.
type Config struct {
	task.Credentials `mapstructure:",squash"`

	Bucket  string               `mapstructure:"bucket"`
	URLs    []string             `mapstructure:"urls"`
	Outputs []string             `mapstructure:"outs"`
	Task    map[string]task.Spec `mapstructure:"task"`
	Tasks   []string             `mapstructure:"tasks"`

	Compute ComputeConfig `mapstructure:"compute"`
	Worker  WorkerConfig  `mapstructure:"worker"`
}

type ComputeConfig struct {
	Image         string        `mapstructure:"image"`
	Flavors       []string      `mapstructure:"flavors"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BootstrapPath string        `mapstructure:"bootstrap_path"`
	WorkerCommand string        `mapstructure:"worker_command"`
}

type WorkerConfig struct {
	WorkDir    string `mapstructure:"workdir"`
	RetryLimit int    `mapstructure:"retry_limit"`
	PartSize   int64  `mapstructure:"part_size"`
}

func DefaultConfig() *Config {
	return &Config{
		Compute: ComputeConfig{
			Flavors:       append([]string(nil), orchestrator.DefaultFlavors...),
			PollInterval:  orchestrator.DefaultPollInterval,
			BootstrapPath: orchestrator.DefaultBootstrapPath,
			WorkerCommand: orchestrator.DefaultWorkerCommand,
		},
		Worker: WorkerConfig{
			WorkDir:    ".",
			RetryLimit: rangedl.DefaultRetryLimit,
			PartSize:   objstore.DefaultPartSize,
		},
	}
}

// Load reads the JSON config at path. Environment variables use the prefix
// "CLOUDFETCH" and the dot character in keys is replaced by an underscore,
// so "compute.poll_interval" becomes "CLOUDFETCH_COMPUTE_POLL_INTERVAL".
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("CLOUDFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Descriptor returns the worker's view of the config.
func (c *Config) Descriptor() task.Descriptor {
	return task.Descriptor{
		Credentials: c.Credentials,
		Bucket:      c.Bucket,
		Task:        c.Task,
		Tasks:       c.Tasks,
	}
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if strings.HasSuffix(tag, ",squash") {
			bindEnvs(v, val.Field(i).Interface(), parts...)
			continue
		}
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
