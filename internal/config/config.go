package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	Host        string      `koanf:"host"`
	Google      Google      `koanf:"google"`
	RecordStore RecordStore `koanf:"recordstore"`
	Database    Database    `koanf:"db"`
	Sync        Sync        `koanf:"sync"`
}

type Google struct {
	ClientId     string `koanf:"clientid"`
	ClientSecret string `koanf:"clientsecret"`
}

type RecordStore struct {
	BaseURL string `koanf:"baseurl"`
}

type Database struct {
	Path string `koanf:"path"`
}

type Sync struct {
	// Interval is the cron spec for the periodic sync trigger.
	Interval string `koanf:"interval"`
	// Debounce delays coalesced local-write triggers before a pass starts.
	Debounce time.Duration `koanf:"debounce"`
	// RetryBudget caps how often a pending mutation is retried on
	// transient failures before it is surfaced as failed.
	RetryBudget    int           `koanf:"retrybudget"`
	BackoffBase    time.Duration `koanf:"backoffbase"`
	BackoffCap     time.Duration `koanf:"backoffcap"`
	RequestTimeout time.Duration `koanf:"requesttimeout"`
}

func Load(path string) (Application, error) {
	var k = koanf.New(".")

	err := k.Load(structs.Provider(Application{
		Host: "http://localhost:3000",
		RecordStore: RecordStore{
			BaseURL: "https://records.meetsync.app/v1",
		},
		Database: Database{
			Path: "meetsync.db",
		},
		Sync: Sync{
			Interval:       "@every 5m",
			Debounce:       3 * time.Second,
			RetryBudget:    6,
			BackoffBase:    2 * time.Second,
			BackoffCap:     5 * time.Minute,
			RequestTimeout: 30 * time.Second,
		},
	}, "koanf"), nil)
	if err != nil {
		log.Errorf("error loading config from structs: %v", err)
		return Application{}, err
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if os.IsNotExist(err) {
			log.Infof("Config file not found at %s, using defaults and environment variables", path)
		} else {
			log.Errorf("error loading config from YAML: %v", err)
			return Application{}, err
		}
	} else {
		log.Infof("Loaded configuration from file: %s", path)
	}

	err = k.Load(env.Provider(".", env.Opt{
		Prefix: "MEETSYNC_",
		TransformFunc: func(k, v string) (string, any) {
			// Transform the key.
			k = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(k, "MEETSYNC_")), "_", ".")
			return k, v
		},
	}), nil)
	if err != nil {
		log.Errorf("error loading config from envs: %v", err)
		return Application{}, err
	}

	var app Application
	if err := k.Unmarshal("", &app); err != nil {
		return Application{}, err
	}

	return app, nil
}
