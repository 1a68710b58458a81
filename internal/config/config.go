package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Game     GameConfig     `yaml:"game"`
	Scenario ScenarioConfig `yaml:"scenario"`
	Bots     BotsConfig     `yaml:"bots"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" env:"CRIME_SERVER_HOST"`
	Port         int           `yaml:"port" env:"CRIME_SERVER_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
}

type MySQLConfig struct {
	Enabled         bool          `yaml:"enabled" env:"CRIME_MYSQL_ENABLED"`
	Host            string        `yaml:"host" env:"CRIME_MYSQL_HOST"`
	Port            int           `yaml:"port" env:"CRIME_MYSQL_PORT"`
	Username        string        `yaml:"username" env:"CRIME_MYSQL_USER"`
	Password        string        `yaml:"password" env:"CRIME_MYSQL_PASSWORD"`
	Database        string        `yaml:"database" env:"CRIME_MYSQL_DATABASE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled" env:"CRIME_REDIS_ENABLED"`
	Addr      string        `yaml:"addr" env:"CRIME_REDIS_ADDR"`
	Password  string        `yaml:"password" env:"CRIME_REDIS_PASSWORD"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	RecentTTL time.Duration `yaml:"recent_ttl"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// GameConfig tunes the session timeline. Stage durations are in seconds,
// keyed by stage name.
type GameConfig struct {
	StageDurations    map[string]int `yaml:"stage_durations"`
	ReadyThreshold    float64        `yaml:"ready_threshold" env:"CRIME_READY_THRESHOLD"`
	SessionPoll       time.Duration  `yaml:"session_poll"`
	RosterPoll        time.Duration  `yaml:"roster_poll"`
	ChatPoll          time.Duration  `yaml:"chat_poll"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	BotClueDelay      time.Duration  `yaml:"bot_clue_delay"`
	BotMessageGap     time.Duration  `yaml:"bot_message_gap"`
	MaxRecentSessions int            `yaml:"max_recent_sessions"`
}

type ScenarioConfig struct {
	Dir string `yaml:"dir" env:"CRIME_SCENARIO_DIR"`
}

type BotsConfig struct {
	OpenAI OpenAIConfig `yaml:"openai"`
}

type OpenAIConfig struct {
	Enabled     bool          `yaml:"enabled" env:"CRIME_OPENAI_ENABLED"`
	BaseURL     string        `yaml:"base_url" env:"CRIME_OPENAI_BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"CRIME_OPENAI_API_KEY"`
	Model       string        `yaml:"model" env:"CRIME_OPENAI_MODEL"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"CRIME_LOG_LEVEL"`
	Output string `yaml:"output" env:"CRIME_LOG_OUTPUT"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MySQL: MySQLConfig{
				Host:            "127.0.0.1",
				Port:            3306,
				Username:        "crime",
				Database:        "crime_scene",
				MaxOpenConns:    20,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				PoolSize:  10,
				RecentTTL: 7 * 24 * time.Hour,
				LockTTL:   10 * time.Second,
				KeyPrefix: "crime",
			},
		},
		Game: GameConfig{
			ReadyThreshold:    0.6,
			SessionPoll:       5 * time.Second,
			RosterPoll:        4 * time.Second,
			ChatPoll:          3 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			BotClueDelay:      4 * time.Second,
			BotMessageGap:     time.Second,
			MaxRecentSessions: 6,
		},
		Bots: BotsConfig{
			OpenAI: OpenAIConfig{
				Model:       "gpt-4o-mini",
				MaxTokens:   160,
				Temperature: 0.8,
				Timeout:     20 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file on top of the defaults, then
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// StageDuration returns the configured duration for a stage name.
func (g GameConfig) StageDuration(stage string) (time.Duration, bool) {
	seconds, ok := g.StageDurations[stage]
	if !ok {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
