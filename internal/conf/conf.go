// Package conf holds the bootstrap configuration scanned by kratos config.
package conf

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Bootstrap is the root of configs/config.yaml.
type Bootstrap struct {
	Server   *Server   `json:"server"`
	Data     *Data     `json:"data"`
	Pipeline *Pipeline `json:"pipeline"`
	Wansoft  *Wansoft  `json:"wansoft"`
	Cron     *Cron     `json:"cron"`
	Log      *Log      `json:"log"`
}

type Server struct {
	HTTP *HTTP `json:"http"`
}

type HTTP struct {
	Network string   `json:"network"`
	Addr    string   `json:"addr"`
	Timeout Duration `json:"timeout"`
}

type Data struct {
	// Root is the data directory holding a_raw, b_clean and c_processed.
	Root             string    `json:"root"`
	BranchesFile     string    `json:"branches_file"`
	ExcludedBranches []string  `json:"excluded_branches"`
	Metadata         *Metadata `json:"metadata"`
	Redis            *Redis    `json:"redis"`
	Rocketmq         *RocketMQ `json:"rocketmq"`
}

// Metadata selects the metadata store backend: fs (default), mysql or sqlite.
type Metadata struct {
	Backend         string   `json:"backend"`
	Source          string   `json:"source"`
	MaxIdleConns    int32    `json:"max_idle_conns"`
	MaxOpenConns    int32    `json:"max_open_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
}

type Redis struct {
	Addr         string   `json:"addr"`
	Password     string   `json:"password"`
	Db           int32    `json:"db"`
	DialTimeout  Duration `json:"dial_timeout"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
	PoolSize     int32    `json:"pool_size"`
	MinIdleConns int32    `json:"min_idle_conns"`
	// LockType is redsync (default) or redis.
	LockType       string   `json:"lock_type"`
	LockTimeout    Duration `json:"lock_timeout"`
	LockTries      int32    `json:"lock_tries"`
	LockRetryDelay Duration `json:"lock_retry_delay"`
}

type RocketMQ struct {
	NameServer   string `json:"name_server"`
	GroupName    string `json:"group_name"`
	RetryTimes   int32  `json:"retry_times"`
	Topic        string `json:"topic"`
	RequestTopic string `json:"request_topic"`
}

type Pipeline struct {
	RawMaxDays int32              `json:"raw_max_days"`
	Workers    int32              `json:"workers"`
	Strict     bool               `json:"strict"`
	Domains    map[string]*Domain `json:"domains"`
}

type Domain struct {
	Versions     *Versions `json:"versions"`
	Report       string    `json:"report"`
	TransformCmd []string  `json:"transform_cmd"`
	AggregateCmd []string  `json:"aggregate_cmd"`

	// Marts are extra mart levels built from the same core output.
	Marts map[string]*Mart `json:"marts"`
}

type Mart struct {
	Version      string   `json:"version"`
	AggregateCmd []string `json:"aggregate_cmd"`

	// GroupBy adds value columns to the (date, branch) key of the builtin aggregation.
	GroupBy []string `json:"group_by"`
}

type Versions struct {
	Raw  string `json:"raw"`
	Core string `json:"core"`
	Mart string `json:"mart"`
}

type Wansoft struct {
	BaseURL         string   `json:"base_url"`
	User            string   `json:"user"`
	Password        string   `json:"password"`
	Timeout         Duration `json:"timeout"`
	RetryCount      int32    `json:"retry_count"`
	WarmupEndpoints []string `json:"warmup_endpoints"`
}

type Cron struct {
	Enabled  bool       `json:"enabled"`
	Timezone string     `json:"timezone"`
	Jobs     []*CronJob `json:"jobs"`
}

type CronJob struct {
	Name         string   `json:"name"`
	Spec         string   `json:"spec"`
	Domain       string   `json:"domain"`
	Level        string   `json:"level"`
	Stage        string   `json:"stage"`
	LookbackDays int32    `json:"lookback_days"`
	Mode         string   `json:"mode"`
	Branches     []string `json:"branches"`
}

type Log struct {
	Level string `json:"level"`
}

// Duration decodes "30s"-style strings; plain numbers are taken as seconds.
type Duration struct {
	time.Duration
}

// AsDuration returns the wrapped time.Duration.
func (d Duration) AsDuration() time.Duration {
	return d.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case string:
		if val == "" {
			d.Duration = 0
			return nil
		}
		if secs, err := strconv.ParseFloat(val, 64); err == nil {
			d.Duration = time.Duration(secs * float64(time.Second))
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}
