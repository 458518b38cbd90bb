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
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/healthcheck"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/housekeeping"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rasevent"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rescodec"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/wqdb"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Workqueue    workqueue.Config   `mapstructure:"workqueue"`
	Codec        rescodec.Config    `mapstructure:"codec"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	RasEvent     RasEventConfig     `mapstructure:"rasevent"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Health       healthcheck.Config `mapstructure:"health"`
}

// BackendConfig bounds asynchronous procedure calls.
type BackendConfig struct {
	AsyncWorkers int           `mapstructure:"async_workers"`
	AsyncTimeout time.Duration `mapstructure:"async_timeout"`
}

type HousekeepingConfig struct {
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
}

type RasEventConfig struct {
	MetaDataTTL time.Duration `mapstructure:"metadata_ttl"`
}

// ArchiveConfig drives the sweeper's removal of old terminal work items.
// An Interval of zero disables archiving.
type ArchiveConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MinAge   time.Duration `mapstructure:"min_age"`
	MaxRows  int           `mapstructure:"max_rows"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Workqueue: workqueue.DefaultConfig(),
		Codec:     rescodec.DefaultConfig(),
		Backend: BackendConfig{
			AsyncWorkers: wqdb.DefaultAsyncWorkers,
			AsyncTimeout: wqdb.DefaultAsyncTimeout,
		},
		Housekeeping: HousekeepingConfig{DedupeTTL: housekeeping.DefaultDedupeTTL},
		RasEvent:     RasEventConfig{MetaDataTTL: rasevent.DefaultMetaDataTTL},
		Archive: ArchiveConfig{
			Interval: 10 * time.Minute,
			MinAge:   24 * time.Hour,
			MaxRows:  1000,
		},
		Health: healthcheck.DefaultConfig(),
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "DAI" and the dot character
// in keys is replaced by an underscore. For example,
// "workqueue.stale_threshold" becomes "DAI_WORKQUEUE_STALE_THRESHOLD".
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("DAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
