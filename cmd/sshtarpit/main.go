// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/urfave/cli"

	"github.com/xtaci/sshtarpit/internal/bridge"
	"github.com/xtaci/sshtarpit/internal/config"
	"github.com/xtaci/sshtarpit/internal/dashboard"
	"github.com/xtaci/sshtarpit/internal/geoip"
	"github.com/xtaci/sshtarpit/internal/logging"
	"github.com/xtaci/sshtarpit/internal/storage"
	"github.com/xtaci/sshtarpit/internal/tarpit"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "sshtarpit"
	myApp.Usage = "an endlessly-stalling SSH tarpit"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "bind",
			Value: "0.0.0.0",
			Usage: "address to bind the tarpit listener to",
		},
		cli.IntFlag{
			Name:  "port",
			Value: 2222,
			Usage: "port to bind the tarpit listener to",
		},
		cli.DurationFlag{
			Name:  "delay",
			Value: 10 * time.Second,
			Usage: "time between lines sent to each client",
		},
		cli.IntFlag{
			Name:  "max-line-length",
			Value: 32,
			Usage: "maximum banner line length in bytes, including CRLF (3-255)",
		},
		cli.IntFlag{
			Name:  "max-clients",
			Value: 4096,
			Usage: "maximum number of concurrently tarpitted clients",
		},
		cli.StringFlag{
			Name:  "log",
			Usage: "path to write logs to (default: stderr)",
		},
		cli.BoolFlag{
			Name:  "log-rotate",
			Usage: "rotate the log file (requires --log)",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to a JSON config file overriding the flags above",
		},
		cli.StringFlag{
			Name:  "dashboard-addr",
			Value: ":8080",
			Usage: "address for the dashboard HTTP/WS server, empty to disable",
		},
		cli.StringFlag{
			Name:  "db-driver",
			Value: "sqlite",
			Usage: "database driver: sqlite or postgres",
		},
		cli.StringFlag{
			Name:  "db-dsn",
			Usage: "database DSN (sqlite file path, or postgres connection string)",
		},
		cli.StringFlag{
			Name:   "geoip-license-key",
			Usage:  "MaxMind GeoLite2 license key, enables GeoIP enrichment",
			EnvVar: "MAXMIND_LICENSE_KEY",
		},
		cli.StringFlag{
			Name:  "nats-url",
			Usage: "optional NATS server URL for multi-instance event fan-out",
		},
	}

	myApp.Action = run

	if err := myApp.Run(os.Args); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Config{
		Bind:          c.String("bind"),
		Port:          uint16(c.Int("port")),
		Delay:         c.Duration("delay"),
		MaxLineLength: c.Int("max-line-length"),
		MaxClients:    c.Int("max-clients"),
		Log:           c.String("log"),
		LogRotate:     c.Bool("log-rotate"),
		DashboardAddr: c.String("dashboard-addr"),
		DBDriver:      c.String("db-driver"),
		DBDSN:         c.String("db-dsn"),

		GeoIPLicenseKey: c.String("geoip-license-key"),
		NATSURL:         c.String("nats-url"),
	}

	if path := c.String("config"); path != "" {
		if err := config.LoadJSON(&cfg, path); err != nil {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, cfg.LogRotate)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}

	bus := tarpit.NewEventBus()

	var store *storage.Store
	if cfg.DBDSN != "" || cfg.DBDriver != "" {
		store, err = storage.Open(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		defer store.Close()
		logger.Infof("database: %s", storage.DSN(cfg.DBDriver, cfg.DBDSN))
	}

	var geoResolver *geoip.Resolver
	if cfg.GeoIPLicenseKey != "" {
		geoResolver, err = geoip.Open("GeoLite2-City.mmdb", cfg.GeoIPLicenseKey)
		if err != nil {
			logger.Warnf("geoip disabled: %v", err)
			geoResolver = nil
		}
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warnf("nats connect to %s failed, continuing without it: %v", cfg.NATSURL, err)
			natsConn = nil
		} else {
			defer natsConn.Close()
		}
	}

	hub := dashboard.NewHub(256)
	statsAgg := tarpit.NewStatisticsAggregator(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	br := bridge.New(store, geoResolver, hub, natsConn, logger)
	go br.Run(ctx, bus)

	if geoResolver != nil {
		go geoResolver.RefreshLoop(ctx, 24*time.Hour, logger)
	}

	if cfg.DashboardAddr != "" {
		// store may be a nil *storage.Store; pass it through a plain
		// variable typed as the interface so an absent database becomes a
		// genuinely nil StatsStore instead of a non-nil interface wrapping
		// a nil pointer.
		var statsStore dashboard.StatsStore
		if store != nil {
			statsStore = store
		}
		dashSrv := dashboard.NewServer(cfg.DashboardAddr, hub, statsStore, statsAgg, logger)
		go func() {
			if err := dashSrv.ListenAndServe(ctx); err != nil {
				logger.Errorf("dashboard server stopped: %v", err)
			}
		}()
	}

	sup := &tarpit.Supervisor{
		Bind:          cfg.Bind,
		Port:          cfg.Port,
		MaxClients:    cfg.MaxClients,
		Delay:         cfg.Delay,
		MaxLineLength: cfg.MaxLineLength,
		Bus:           bus,
		Logger:        logger,
		Stats:         statsAgg,
	}

	// sup.Run installs its own SIGINT/SIGTERM handling and blocks until
	// shutdown completes; ctx cancellation here only matters for the
	// bridge/dashboard/geoip goroutines once it returns.
	err = sup.Run(ctx)
	cancel()
	return err
}
