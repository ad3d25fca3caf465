package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go-healthscan/activity"
	"go-healthscan/logging"
	"go-healthscan/qr"
	"go-healthscan/record"
	"go-healthscan/redis"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config"`

	ApiBaseURL string `json:"api_base_url"`
	ApiToken   string `json:"api_token"`
	AdminID    string `json:"admin_id"`
	AdminName  string `json:"admin_name"`

	RefreshIntervalSeconds int `json:"refresh_interval_seconds,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`

	StorageType         string                    `json:"storage_type"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "Path for the config.json to use")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "please provide a config path using the --config flag")
		os.Exit(1)
	}

	config, err := readConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config file: %v\n", err)
		os.Exit(1)
	}

	logging.InitLogger(config.LogLevel, config.LogFormat)
	slog.Info("using config", "path", *configPath)
	slog.Info("hosting on", "host", config.ServerConfig.Host, "port", config.ServerConfig.Port)

	sessionStore, err := createSessionStore(&config)
	if err != nil {
		slog.Error("failed to instantiate session store", "error", err)
		os.Exit(1)
	}

	apiClient := NewHealthScanClient(config.ApiBaseURL, config.ApiToken)
	manager := record.NewManager(apiClient, sessionStore)
	mutator := record.NewMutator(apiClient, manager, sessionStore)
	refresher := record.NewRefresher(manager, time.Duration(config.RefreshIntervalSeconds)*time.Second)

	serverState := ServerState{
		apiClient:    apiClient,
		sessionStore: sessionStore,
		manager:      manager,
		mutator:      mutator,
		refresher:    refresher,
		decoder:      qr.NewDecoder(),
		activityLog:  activity.NewLogger(apiClient, config.AdminID, config.AdminName),
		rootCtx:      context.Background(),
	}

	server, err := NewServer(&serverState, config.ServerConfig)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	err = server.ListenAndServe()
	if err != nil {
		slog.Error("failed to listen and serve", "error", err)
		os.Exit(1)
	}
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)

	if err != nil {
		return Config{}, err
	}

	var config Config
	err = json.Unmarshal(configBytes, &config)

	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func createSessionStore(config *Config) (SessionStore, error) {
	if config.StorageType == "redis" {
		slog.Info("Using redis session store")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisSessionStore(client, config.RedisConfig.Namespace), nil
	}
	if config.StorageType == "redis_sentinel" {
		slog.Info("Using redis sentinel session store")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisSessionStore(client, config.RedisSentinelConfig.Namespace), nil
	}
	if config.StorageType == "memory" {
		slog.Info("Using in memory session store")
		return NewInMemorySessionStore(), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}
