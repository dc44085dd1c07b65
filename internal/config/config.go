package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/robfig/cron/v3"
)

// options 命令行参数与环境变量，命令行优先
type options struct {
	AppPort     string `long:"port" env:"APP_PORT" default:"9000" description:"HTTP port of the read API"`
	StoreDriver string `long:"store" env:"STORE_DRIVER" default:"postgres" choice:"postgres" choice:"memory" description:"Item store backend"`
	PostgresDSN string `long:"postgres-dsn" env:"POSTGRES_DSN" default:"host=localhost user=newscheck password=newscheck dbname=newscheck port=5432 sslmode=disable TimeZone=UTC" description:"Postgres DSN"`
	RedisAddr   string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for list cache and run lock (optional)"`
	CronSpec    string `long:"cron" env:"CRON_SPEC" default:"0 */2 * * *" description:"Collection schedule"`
	RulesFile   string `long:"rules" env:"RULES_FILE" default:"rules.yml" description:"Channels, feeds and filter rules"`

	LogLevel  string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
	LogFormat string `long:"log-format" env:"LOG_FORMAT" default:"console" choice:"console" choice:"json" description:"Log encoding"`

	LLMAPIKey     string        `long:"llm-api-key" env:"LLM_API_KEY" description:"API key of the summarization backend"`
	LLMBaseURL    string        `long:"llm-base-url" env:"LLM_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta/openai/" description:"OpenAI compatible endpoint"`
	LLMModel      string        `long:"llm-model" env:"LLM_MODEL" default:"gemini-flash-latest" description:"Model id"`
	LLMMaxRetries int           `long:"llm-max-retries" env:"LLM_MAX_RETRIES" default:"3" description:"Retries on rate limit"`
	LLMBaseDelay  time.Duration `long:"llm-base-delay" env:"LLM_BASE_DELAY" default:"5s" description:"First backoff delay"`
	LLMTimeout    time.Duration `long:"llm-timeout" env:"LLM_TIMEOUT" default:"60s" description:"Per request timeout"`
	DiagnosticLog string        `long:"diagnostic-log" env:"DIAGNOSTIC_LOG" default:"summarizer_error.log" description:"File receiving summarization failures"`

	YouTubeAPIKey string `long:"youtube-api-key" env:"YOUTUBE_API_KEY" description:"YouTube Data API key for handle resolution and live status (optional)"`

	CORSOrigins   []string `long:"cors-origin" env:"CORS_ORIGINS" env-delim:"," description:"Allowed CORS origins"`
	BasicAuthUser string   `long:"basic-user" env:"APP_BASIC_USER" description:"Basic auth user (optional)"`
	BasicAuthPass string   `long:"basic-pass" env:"APP_BASIC_PASS" description:"Basic auth password (optional)"`
}

type Config struct {
	AppPort     string
	StoreDriver string
	PostgresDSN string
	RedisAddr   string
	CronSpec    string
	RulesFile   string

	LogLevel  string
	LogFormat string

	LLMAPIKey     string
	LLMBaseURL    string
	LLMModel      string
	LLMMaxRetries int
	LLMBaseDelay  time.Duration
	LLMTimeout    time.Duration
	DiagnosticLog string

	YouTubeAPIKey string

	CORSOrigins   []string
	BasicAuthUser string
	BasicAuthPass string

	Rules *Rules
}

// Parse 解析参数、环境变量与规则文件。请求帮助时返回的 error 满足 flags.WroteHelp。
func Parse(args []string) (*Config, error) {
	var raw options
	parser := flags.NewParser(&raw, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, err
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Config{
		AppPort:       raw.AppPort,
		StoreDriver:   raw.StoreDriver,
		PostgresDSN:   raw.PostgresDSN,
		RedisAddr:     raw.RedisAddr,
		CronSpec:      raw.CronSpec,
		RulesFile:     raw.RulesFile,
		LogLevel:      strings.ToLower(raw.LogLevel),
		LogFormat:     raw.LogFormat,
		LLMAPIKey:     raw.LLMAPIKey,
		LLMBaseURL:    raw.LLMBaseURL,
		LLMModel:      raw.LLMModel,
		LLMMaxRetries: raw.LLMMaxRetries,
		LLMBaseDelay:  raw.LLMBaseDelay,
		LLMTimeout:    raw.LLMTimeout,
		DiagnosticLog: raw.DiagnosticLog,
		YouTubeAPIKey: raw.YouTubeAPIKey,
		CORSOrigins:   trimAll(raw.CORSOrigins),
		BasicAuthUser: raw.BasicAuthUser,
		BasicAuthPass: raw.BasicAuthPass,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rules, err := LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	cfg.Rules = rules
	return cfg, nil
}

// Load 从进程参数与环境变量加载配置
func Load() (*Config, error) {
	return Parse(os.Args[1:])
}

func (c *Config) validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.CronSpec); err != nil {
		errs = append(errs, fmt.Errorf("CRON_SPEC %q: %w", c.CronSpec, err))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q: want debug, info, warn or error", c.LogLevel))
	}
	if c.StoreDriver == "postgres" && c.PostgresDSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
	}
	if c.LLMMaxRetries < 0 {
		errs = append(errs, errors.New("LLM_MAX_RETRIES must not be negative"))
	}
	if (c.BasicAuthUser == "") != (c.BasicAuthPass == "") {
		errs = append(errs, errors.New("APP_BASIC_USER and APP_BASIC_PASS must be set together"))
	}
	return errors.Join(errs...)
}

// BasicAuthEnabled 同时配置了用户名与密码时启用
func (c *Config) BasicAuthEnabled() bool {
	return c.BasicAuthUser != "" && c.BasicAuthPass != ""
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
