package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"elero-go-home/internal/automation"
	"elero-go-home/internal/coordinator"
	"elero-go-home/internal/stick"
	"elero-go-home/internal/store"
	"elero-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Stick struct {
		Port           string        `yaml:"port"`
		Baud           int           `yaml:"baud"`
		UpdateInterval time.Duration `yaml:"update_interval"`
		FastPollDelay  time.Duration `yaml:"fast_poll_delay"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	} `yaml:"stick"`
	Channels []struct {
		ID   int    `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"channels"`
	Groups []struct {
		Name     string `yaml:"name"`
		Channels []int  `yaml:"channels"`
	} `yaml:"groups"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Metrics        *bool    `yaml:"metrics"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Automation struct {
		ScriptsDir string `yaml:"scripts_dir"`
		Schedules  []struct {
			Cron     string `yaml:"cron"`
			Command  string `yaml:"command"`
			Channels []int  `yaml:"channels"`
			Group    string `yaml:"group"`
		} `yaml:"schedules"`
	} `yaml:"automation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Stick.Port == "" {
		return fmt.Errorf("stick.port is required")
	}
	if c.Stick.Baud < 0 {
		return fmt.Errorf("stick.baud must be positive, got %d", c.Stick.Baud)
	}
	for name, d := range map[string]time.Duration{
		"update_interval": c.Stick.UpdateInterval,
		"fast_poll_delay": c.Stick.FastPollDelay,
		"reconnect_delay": c.Stick.ReconnectDelay,
	} {
		if d < 0 {
			return fmt.Errorf("stick.%s must not be negative", name)
		}
	}
	for _, ch := range c.Channels {
		if ch.ID < 1 || ch.ID > stick.MaxChannel {
			return fmt.Errorf("channels: id %d outside 1-%d", ch.ID, stick.MaxChannel)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) coordinatorConfig() coordinator.Config {
	cc := coordinator.Config{Port: c.Stick.Port}
	for _, ch := range c.Channels {
		cc.Channels = append(cc.Channels, coordinator.ChannelConfig{ID: ch.ID, Name: ch.Name})
	}
	for _, g := range c.Groups {
		cc.Groups = append(cc.Groups, coordinator.GroupConfig{Name: g.Name, Channels: g.Channels})
	}
	return cc
}

func (c *Config) schedules() []automation.ScheduleConfig {
	var out []automation.ScheduleConfig
	for _, s := range c.Automation.Schedules {
		out = append(out, automation.ScheduleConfig{
			Cron:     s.Cron,
			Command:  s.Command,
			Channels: s.Channels,
			Group:    s.Group,
		})
	}
	return out
}

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("elero-go-home starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := stick.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	engine := stick.New(stick.Config{
		Port:           cfg.Stick.Port,
		Baud:           cfg.Stick.Baud,
		UpdateInterval: cfg.Stick.UpdateInterval,
		FastPollDelay:  cfg.Stick.FastPollDelay,
		ReconnectDelay: cfg.Stick.ReconnectDelay,
	}, logger, stick.WithMetrics(metrics))

	events := coordinator.NewEventBus(logger)
	coord, err := coordinator.New(engine, db, events, cfg.coordinatorConfig(), logger)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	if err := coord.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	scheduler, err := automation.NewScheduler(coord, cfg.schedules(), logger)
	if err != nil {
		return fmt.Errorf("schedules: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// No-op when built with the no_automation tag.
	auto, autoWebOpts := initAutomation(coord, cfg, logger)
	defer auto.Stop()

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Web.Metrics == nil || *cfg.Web.Metrics {
		webOpts = append(webOpts, web.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// No-op when built with the no_mqtt tag.
	mqtt := initMQTT(coord, cfg, logger)
	defer mqtt.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-httpErr:
		logger.Error("http server", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Stick.Baud == 0 {
		cfg.Stick.Baud = stick.DefaultBaud
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "elero-home.db"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "elero"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
