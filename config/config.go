package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	DriverPostgres  = "postgres"
	DriverSnowflake = "snowflake"
)

type Config struct {
	Target    TargetCfg
	Postgres  PostgresCfg
	Snowflake SnowflakeCfg
	Sources   SourcesCfg
	Load      LoadCfg
	Fetch     FetchCfg
	Metrics   MetricsCfg
	Logger    LoggerCfg
}

type TargetCfg struct {
	Driver string `valid:"in(postgres|snowflake),required"`
}

// PostgresCfg reads the same environment variables as the official postgres image.
type PostgresCfg struct {
	User     string `env:"POSTGRES_USER"`
	Password string `env:"POSTGRES_PASSWORD"`
	Host     string `env:"POSTGRES_HOST"`
	Port     int    `env:"POSTGRES_PORT" valid:"range(1|65535)"`
	Database string `env:"POSTGRES_DB"`
}

type SnowflakeCfg struct {
	Connection string `env:"SNOWFLAKE_CONNECTION"`
	Database   string
	Schema     string
}

type SourcesCfg struct {
	ZonesURL   string `env:"ZONES_URL" valid:"required"`
	TripsURL   string `env:"TRIPS_URL" valid:"required"`
	ZonesTable string `env:"ZONES_TABLE" valid:"required"`
	TripsTable string `env:"TRIPS_TABLE" valid:"required"`
	DataDir    string `valid:"required"`
}

type LoadCfg struct {
	BatchSize   int `env:"BATCH_SIZE" valid:"range(1|100000000)"`
	MaxRetries  int `valid:"range(0|100)"`
	RetryDelay  time.Duration
	IndexColumn string
}

type FetchCfg struct {
	RetryMax    int `valid:"range(0|100)"`
	Timeout     time.Duration
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

type MetricsCfg struct {
	Pushgateway string
	Job         string
}

type LoggerCfg struct {
	Level string
	JSON  bool
}

var DefaultConfig = Config{
	Target: TargetCfg{
		Driver: DriverPostgres,
	},
	Postgres: PostgresCfg{
		User:     "root",
		Password: "root",
		Host:     "localhost",
		Port:     5432,
		Database: "ny_taxi",
	},
	Sources: SourcesCfg{
		ZonesURL:   "https://d37ci6vzurychx.cloudfront.net/misc/taxi+_zone_lookup.csv",
		TripsURL:   "https://d37ci6vzurychx.cloudfront.net/trip-data/yellow_tripdata_2023-01.parquet",
		ZonesTable: "zones",
		TripsTable: "yellow_taxi_trips",
		DataDir:    "./raw_data",
	},
	Load: LoadCfg{
		BatchSize:  100000,
		MaxRetries: 0,
		RetryDelay: time.Second,
	},
	Fetch: FetchCfg{
		RetryMax: 3,
		Timeout:  time.Minute * 10,
	},
	Metrics: MetricsCfg{
		Job: "tripload",
	},
	Logger: LoggerCfg{
		Level: "info",
		JSON:  false,
	},
}

func (c *Config) Validate() error {
	if _, err := govalidator.ValidateStruct(c); err != nil {
		return err
	}
	var errs []string
	if c.Load.BatchSize < 1 {
		errs = append(errs, "Load.BatchSize: must be a positive number")
	}
	switch c.Target.Driver {
	case DriverPostgres:
		if c.Postgres.User == "" {
			errs = append(errs, "Postgres.User: non zero value required")
		}
		if c.Postgres.Host == "" {
			errs = append(errs, "Postgres.Host: non zero value required")
		}
		if c.Postgres.Port == 0 {
			errs = append(errs, "Postgres.Port: non zero value required")
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "Postgres.Database: non zero value required")
		}
	case DriverSnowflake:
		if c.Snowflake.Connection == "" {
			errs = append(errs, "Snowflake.Connection: non zero value required")
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, ";"))
	}
	return nil
}

// PostgresConnString builds a connection URL from the individual settings.
func (c PostgresCfg) PostgresConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// GetConf resolves the configuration from defaultCfg, the config file at path (skipped when path is
// empty), environment variables and overrides, each taking precedence over the ones before it.
// Override keys are dotted lower case paths such as "load.batchsize".
func GetConf(defaultCfg Config, path string, overrides map[string]interface{}) (*Config, error) {
	cfg := defaultCfg
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvs(v, cfg)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	return &cfg, nil
}

func WriteExampleConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	y := yaml.NewEncoder(f)
	if err := y.Encode(DefaultConfig); err != nil {
		return err
	}
	return y.Close()
}

// bindEnvs binds every leaf field to the environment: the name in its env tag when present, otherwise the
// upper-cased dotted path with dots replaced by underscores.
func bindEnvs(v *viper.Viper, iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)
	for i := 0; i < ift.NumField(); i++ {
		fieldv := ifv.Field(i)
		t := ift.Field(i)
		name := strings.ToLower(t.Name)
		tag, exists := t.Tag.Lookup("mapstructure")
		if exists {
			name = tag
		}
		path := append(append([]string{}, parts...), name)
		switch fieldv.Kind() {
		case reflect.Struct:
			bindEnvs(v, fieldv.Interface(), path...)
		default:
			key := strings.Join(path, ".")
			if env, ok := t.Tag.Lookup("env"); ok {
				_ = v.BindEnv(key, env)
			} else {
				_ = v.BindEnv(key)
			}
		}
	}
}
