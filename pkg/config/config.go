// Package config resolves relay settings from defaults, an optional YAML file,
// environment variables and command line flags.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/logging"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/transport/bus"
	"github.com/go-go-golems/chatrelay/pkg/transport/httpapi"
	"github.com/go-go-golems/chatrelay/pkg/transport/telegram"
)

const EnvPrefix = "CHATRELAY"

type OpenAISettings struct {
	APIKey      string        `mapstructure:"api-key" yaml:"api-key"`
	BaseURL     string        `mapstructure:"base-url" yaml:"base-url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max-tokens" yaml:"max-tokens"`
}

type TelegramSettings struct {
	// Telegram is served whenever a token is configured, unless Disabled.
	Token       string        `mapstructure:"token" yaml:"token"`
	Disabled    bool          `mapstructure:"disabled" yaml:"disabled"`
	APIBase     string        `mapstructure:"api-base" yaml:"api-base"`
	PollTimeout time.Duration `mapstructure:"poll-timeout" yaml:"poll-timeout"`
}

func (t TelegramSettings) Enabled() bool {
	return !t.Disabled && strings.TrimSpace(t.Token) != ""
}

type HTTPSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

type BusSettings struct {
	InboundTopic  string `mapstructure:"inbound-topic" yaml:"inbound-topic"`
	OutboundTopic string `mapstructure:"outbound-topic" yaml:"outbound-topic"`
}

type HistorySettings struct {
	MaxTurns      int           `mapstructure:"max-turns" yaml:"max-turns"`
	IdleTTL       time.Duration `mapstructure:"idle-ttl" yaml:"idle-ttl"`
	SweepInterval time.Duration `mapstructure:"sweep-interval" yaml:"sweep-interval"`
	// TokenBudget caps rendered history tokens in the prompt. Zero disables the cap.
	TokenBudget  int    `mapstructure:"token-budget" yaml:"token-budget"`
	TemplateFile string `mapstructure:"template-file" yaml:"template-file"`
}

type RelaySettings struct {
	MaxRetries            int           `mapstructure:"max-retries" yaml:"max-retries"`
	RetryInitialInterval  time.Duration `mapstructure:"retry-initial-interval" yaml:"retry-initial-interval"`
	RetryMaxInterval      time.Duration `mapstructure:"retry-max-interval" yaml:"retry-max-interval"`
	SkipUserTurnOnFailure bool          `mapstructure:"skip-user-turn-on-failure" yaml:"skip-user-turn-on-failure"`
	FailureNotice         string        `mapstructure:"failure-notice" yaml:"failure-notice"`
	Greeting              string        `mapstructure:"greeting" yaml:"greeting"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`
}

type TranscriptSettings struct {
	// Path of the transcript: a postgres:// URL, a .bolt file for bbolt, anything else SQLite.
	// Empty disables the transcript.
	Path string `mapstructure:"path" yaml:"path"`
}

type Settings struct {
	Log        logging.Settings     `mapstructure:"log" yaml:"log"`
	OpenAI     OpenAISettings       `mapstructure:"openai" yaml:"openai"`
	Telegram   TelegramSettings     `mapstructure:"telegram" yaml:"telegram"`
	HTTP       HTTPSettings         `mapstructure:"http" yaml:"http"`
	Redis      redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	Bus        BusSettings          `mapstructure:"bus" yaml:"bus"`
	History    HistorySettings      `mapstructure:"history" yaml:"history"`
	Relay      RelaySettings        `mapstructure:"relay" yaml:"relay"`
	Transcript TranscriptSettings   `mapstructure:"transcript" yaml:"transcript"`
}

// legacyEnv maps keys to the environment names used by earlier deployments of the bot.
var legacyEnv = map[string]string{
	"openai.api-key": "OPENAI_API_KEY",
	"telegram.token": "TELEGRAM_BOT_TOKEN",
}

func SetDefaults(v *viper.Viper) {
	ld := logging.DefaultSettings()
	v.SetDefault("log.level", ld.Level)
	v.SetDefault("log.format", ld.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", ld.MaxSizeMB)
	v.SetDefault("log.max-backups", ld.MaxBackups)
	v.SetDefault("log.max-age-days", ld.MaxAgeDays)

	v.SetDefault("openai.api-key", "")
	v.SetDefault("openai.base-url", "")
	v.SetDefault("openai.model", completion.DefaultModel)
	v.SetDefault("openai.timeout", completion.DefaultTimeout)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.max-tokens", 0)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.disabled", false)
	v.SetDefault("telegram.api-base", telegram.DefaultAPIBase)
	v.SetDefault("telegram.poll-timeout", telegram.DefaultPollTimeout)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", httpapi.DefaultAddr)

	rd := redisstream.DefaultSettings()
	v.SetDefault("redis.enabled", rd.Enabled)
	v.SetDefault("redis.addr", rd.Addr)
	v.SetDefault("redis.group", rd.Group)
	v.SetDefault("redis.consumer", rd.Consumer)
	v.SetDefault("bus.inbound-topic", bus.DefaultInboundTopic)
	v.SetDefault("bus.outbound-topic", bus.DefaultOutboundTopic)

	v.SetDefault("history.max-turns", 200)
	v.SetDefault("history.idle-ttl", 24*time.Hour)
	v.SetDefault("history.sweep-interval", 5*time.Minute)
	v.SetDefault("history.token-budget", 0)
	v.SetDefault("history.template-file", "")

	rp := relay.DefaultRetryPolicy()
	v.SetDefault("relay.max-retries", rp.MaxRetries)
	v.SetDefault("relay.retry-initial-interval", rp.InitialInterval)
	v.SetDefault("relay.retry-max-interval", rp.MaxInterval)
	v.SetDefault("relay.skip-user-turn-on-failure", false)
	v.SetDefault("relay.failure-notice", relay.DefaultFailureNotice)
	v.SetDefault("relay.greeting", relay.DefaultGreeting)
	v.SetDefault("relay.shutdown-timeout", 30*time.Second)

	v.SetDefault("transcript.path", "")
}

// Load resolves settings into v. configFile may be empty.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToUpper(key))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Settings{}, errors.Wrapf(err, "bind env for %s", key)
		}
	}

	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	return s, nil
}

// Validate checks the settings needed to serve traffic.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.OpenAI.APIKey) == "" {
		return errors.New("openai api key is missing (set CHATRELAY_OPENAI_API_KEY or OPENAI_API_KEY)")
	}
	if !s.Telegram.Enabled() && !s.HTTP.Enabled && !s.Redis.Enabled {
		return errors.New("no transport enabled: configure a telegram token, http.enabled or redis.enabled")
	}
	if s.History.MaxTurns < 0 {
		return errors.Errorf("history.max-turns must not be negative, got %d", s.History.MaxTurns)
	}
	if s.History.IdleTTL > 0 && s.History.SweepInterval <= 0 {
		return errors.New("history.sweep-interval must be positive when history.idle-ttl is set")
	}
	if s.Relay.MaxRetries < 0 {
		return errors.Errorf("relay.max-retries must not be negative, got %d", s.Relay.MaxRetries)
	}
	return nil
}
