package main

import (
	"os"

	"github.com/samjbobb/tripload/config"
	"github.com/samjbobb/tripload/supervisor"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// overrideFlags maps flags to the config keys they replace when set on the command line or through their
// environment variable.
var overrideFlags = map[string]string{
	"user":        "postgres.user",
	"passw":       "postgres.password",
	"host":        "postgres.host",
	"port":        "postgres.port",
	"db":          "postgres.database",
	"zones_table": "sources.zonestable",
	"trips_table": "sources.tripstable",
	"zones_url":   "sources.zonesurl",
	"trips_url":   "sources.tripsurl",
	"batch_size":  "load.batchsize",
	"driver":      "target.driver",
	"data_dir":    "sources.datadir",
}

func main() {
	app := &cli.App{
		Name:  "tripload",
		Usage: "load the taxi zone lookup and a trip record file into a database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{Name: "user", EnvVars: []string{"POSTGRES_USER"}, Usage: "user name for postgres"},
			&cli.StringFlag{Name: "passw", EnvVars: []string{"POSTGRES_PASSWORD"}, Usage: "password for postgres"},
			&cli.StringFlag{Name: "host", EnvVars: []string{"POSTGRES_HOST"}, Usage: "host for postgres"},
			&cli.IntFlag{Name: "port", EnvVars: []string{"POSTGRES_PORT"}, Usage: "port for postgres"},
			&cli.StringFlag{Name: "db", EnvVars: []string{"POSTGRES_DB"}, Usage: "database name for postgres"},
			&cli.StringFlag{Name: "zones_table", EnvVars: []string{"ZONES_TABLE"}, Usage: "name of the table the zones are written to"},
			&cli.StringFlag{Name: "trips_table", EnvVars: []string{"TRIPS_TABLE"}, Usage: "name of the table the trips are written to"},
			&cli.StringFlag{Name: "zones_url", EnvVars: []string{"ZONES_URL"}, Usage: "url of the zone lookup csv"},
			&cli.StringFlag{Name: "trips_url", EnvVars: []string{"TRIPS_URL"}, Usage: "url of the trips parquet file"},
			&cli.IntFlag{Name: "batch_size", EnvVars: []string{"BATCH_SIZE"}, Usage: "rows per inserted batch"},
			&cli.StringFlag{Name: "driver", Usage: "target database: postgres or snowflake"},
			&cli.StringFlag{Name: "data_dir", Usage: "directory the sources are downloaded to"},
		},
		Action: func(ctx *cli.Context) error {
			overrides := map[string]interface{}{}
			for flag, key := range overrideFlags {
				if !ctx.IsSet(flag) {
					continue
				}
				switch flag {
				case "port", "batch_size":
					overrides[key] = ctx.Int(flag)
				default:
					overrides[key] = ctx.String(flag)
				}
			}
			cfg, err := config.GetConf(config.DefaultConfig, ctx.String("config"), overrides)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			s := supervisor.NewSupervisor()
			_, err = s.Run(ctx.Context, cfg)
			return err
		},
		Commands: []*cli.Command{
			{
				Name:  "initconfig",
				Usage: "write the default configuration to the config file",
				Action: func(ctx *cli.Context) error {
					path := ctx.String("config")
					if path == "" {
						path = "config.yml"
					}
					return config.WriteExampleConfig(path)
				},
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		logrus.Fatal(err)
	}
}
