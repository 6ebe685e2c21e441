// Package config loads Aida's configuration from defaults, an optional YAML
// file, a .env file and AIDA_* environment variables, in increasing order of
// precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/szaher/aida/internal/secrets"
	"github.com/szaher/aida/internal/telemetry"
)

// DefaultSystemPrompt is the assistant persona used when none is configured.
const DefaultSystemPrompt = `You are Aida, a helpful AI assistant with voice interaction capabilities and access to real-time information through web search.

Keep a natural, conversational tone and be concise, since answers may be spoken aloud.

Use the web_search tool only for current or time-sensitive information such as weather, news, events or prices. Do not use it for general knowledge, greetings or conceptual questions. When you do search, weave the findings into your answer without mentioning the search.

Use the memory_lookup tool when the user refers to something they told you in an earlier conversation.`

// Config is the full runtime configuration.
type Config struct {
	Model        string  `mapstructure:"model" yaml:"model"`
	MaxTokens    int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature" yaml:"temperature"`
	SystemPrompt string  `mapstructure:"system_prompt" yaml:"system_prompt"`

	LLM          LLMConfig          `mapstructure:"llm" yaml:"llm"`
	Budget       BudgetConfig       `mapstructure:"budget" yaml:"budget"`
	Memory       MemoryConfig       `mapstructure:"memory" yaml:"memory"`
	Qdrant       QdrantConfig       `mapstructure:"qdrant" yaml:"qdrant"`
	Postgres     PostgresConfig     `mapstructure:"postgres" yaml:"postgres"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding" yaml:"embedding"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Voice        VoiceConfig        `mapstructure:"voice" yaml:"voice"`
	Search       SearchConfig       `mapstructure:"search" yaml:"search"`
	TTS          TTSConfig          `mapstructure:"tts" yaml:"tts"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Vault        VaultConfig        `mapstructure:"vault" yaml:"vault"`
}

// LLMConfig holds model provider credentials.
type LLMConfig struct {
	AnthropicAPIKey string `mapstructure:"anthropic_api_key" yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key" yaml:"openai_api_key"`
	OpenAIBaseURL   string `mapstructure:"openai_base_url" yaml:"openai_base_url"`
	OllamaHost      string `mapstructure:"ollama_host" yaml:"ollama_host"`
}

// BudgetConfig is the context token budget.
type BudgetConfig struct {
	Total  int `mapstructure:"total" yaml:"total"`
	System int `mapstructure:"system" yaml:"system"`
	Memory int `mapstructure:"memory" yaml:"memory"`
}

// MemoryConfig configures the memory gateway.
type MemoryConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	TopK           int           `mapstructure:"top_k" yaml:"top_k"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	WriteQueue     int           `mapstructure:"write_queue" yaml:"write_queue"`
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	CacheSize      int           `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	DedupThreshold float64       `mapstructure:"dedup_threshold" yaml:"dedup_threshold"`
}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// PostgresConfig configures the pgvector backend.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// EmbeddingConfig selects the embedding model for vector backends.
type EmbeddingConfig struct {
	Model      string `mapstructure:"model" yaml:"model"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions"`
}

// OrchestratorConfig bounds each turn.
type OrchestratorConfig struct {
	MaxIterations int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	TurnTimeout   time.Duration `mapstructure:"turn_timeout" yaml:"turn_timeout"`
	Salience      string        `mapstructure:"salience" yaml:"salience"`
}

// SessionConfig controls idle handling.
type SessionConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	WarnAfter   time.Duration `mapstructure:"warn_after" yaml:"warn_after"`
	SweepEvery  time.Duration `mapstructure:"sweep_every" yaml:"sweep_every"`
	MaxTurns    int           `mapstructure:"max_turns" yaml:"max_turns"`
}

// VoiceConfig controls voice sessions.
type VoiceConfig struct {
	ListenTimeout time.Duration `mapstructure:"listen_timeout" yaml:"listen_timeout"`
	Greeting      string        `mapstructure:"greeting" yaml:"greeting"`
	AudioDir      string        `mapstructure:"audio_dir" yaml:"audio_dir"`
	// AudioRetention is how long synthesized answers are kept on disk.
	AudioRetention time.Duration `mapstructure:"audio_retention" yaml:"audio_retention"`
	Player         string        `mapstructure:"player" yaml:"player"`
	WakeWords      []string      `mapstructure:"wake_words" yaml:"wake_words"`
}

// SearchConfig configures the web_search tool.
type SearchConfig struct {
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	URL      string        `mapstructure:"url" yaml:"url"`
	Model    string        `mapstructure:"model" yaml:"model"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxChars int           `mapstructure:"max_chars" yaml:"max_chars"`
	Retries  int           `mapstructure:"retries" yaml:"retries"`
	SafeDial bool          `mapstructure:"safe_dial" yaml:"safe_dial"`
}

// TTSConfig configures ElevenLabs speech.
type TTSConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	VoiceID string `mapstructure:"voice_id" yaml:"voice_id"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr      string  `mapstructure:"addr" yaml:"addr"`
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// VaultConfig enables vault(path#key) credential references.
type VaultConfig struct {
	Addr  string `mapstructure:"addr" yaml:"addr"`
	Token string `mapstructure:"token" yaml:"token"`
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. When empty, aida.yaml is searched in
	// the working directory and $HOME/.aida, and a missing file is fine.
	File string
	// EnvFiles are .env files to load; missing ones are skipped. Defaults
	// to ".env".
	EnvFiles []string
}

// envAliases maps keys to the conventional variables of the services they
// configure, checked after the AIDA_ form.
var envAliases = map[string]string{
	"llm.anthropic_api_key": "ANTHROPIC_API_KEY",
	"llm.openai_api_key":    "OPENAI_API_KEY",
	"llm.openai_base_url":   "OPENAI_BASE_URL",
	"llm.ollama_host":       "OLLAMA_HOST",
	"search.api_key":        "PERPLEXITY_API_KEY",
	"tts.api_key":           "ELEVENLABS_API_KEY",
	"qdrant.url":            "QDRANT_URL",
	"qdrant.api_key":        "QDRANT_API_KEY",
	"postgres.dsn":          "DATABASE_URL",
	"server.api_key":        "AIDA_API_KEY",
	"vault.addr":            "VAULT_ADDR",
	"vault.token":           "VAULT_TOKEN",
}

// Load reads the configuration. The returned viper instance is the one to
// watch for changes.
func Load(opts Options) (*Config, *viper.Viper, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AIDA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		envKey := "AIDA_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return nil, nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("aida")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.aida")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals the current state of v, resolves credential
// references and validates the result.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := cfg.resolveCredentials(ctx); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Model) == "" {
		problems = append(problems, "model is empty")
	}
	switch c.Memory.Backend {
	case "memory", "qdrant", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("memory.backend %q is not one of memory, qdrant, postgres", c.Memory.Backend))
	}
	if c.Memory.Backend == "postgres" && c.Postgres.DSN == "" {
		problems = append(problems, "postgres.dsn is required for the postgres backend")
	}
	if c.Budget.Total <= 0 || c.Budget.System+c.Budget.Memory >= c.Budget.Total {
		problems = append(problems, "budget.system + budget.memory must be below a positive budget.total")
	}
	if c.Memory.DedupThreshold <= 0 || c.Memory.DedupThreshold > 1 {
		problems = append(problems, "memory.dedup_threshold must be in (0, 1]")
	}
	if c.Orchestrator.MaxIterations <= 0 {
		problems = append(problems, "orchestrator.max_iterations must be positive")
	}
	if c.Session.WarnAfter >= c.Session.IdleTimeout {
		problems = append(problems, "session.warn_after must be below session.idle_timeout")
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// credentials lists the fields that may hold secrets.
func (c *Config) credentials() []*string {
	return []*string{
		&c.LLM.AnthropicAPIKey, &c.LLM.OpenAIAPIKey, &c.Search.APIKey,
		&c.TTS.APIKey, &c.Qdrant.APIKey, &c.Server.APIKey, &c.Postgres.DSN,
		&c.Vault.Token,
	}
}

// resolveCredentials replaces env(...), file(...) and vault(...) references
// in credential fields with their values.
func (c *Config) resolveCredentials(ctx context.Context) error {
	set := secrets.Default()
	token, err := set.Resolve(ctx, c.Vault.Token)
	if err != nil {
		return fmt.Errorf("config: vault.token: %w", err)
	}
	c.Vault.Token = token
	if c.Vault.Addr != "" {
		set["vault"] = secrets.NewVault(c.Vault.Addr, c.Vault.Token)
	}
	for _, f := range c.credentials() {
		v, err := set.Resolve(ctx, *f)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		*f = v
	}
	return nil
}

// Secrets returns the configured credentials, for log redaction.
func (c *Config) Secrets() []string {
	var out []string
	for _, f := range c.credentials() {
		if *f != "" {
			out = append(out, *f)
		}
	}
	return out
}

// YAML renders the configuration with credentials masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	for _, f := range masked.credentials() {
		if *f != "" {
			*f = "***"
		}
	}
	return yaml.Marshal(&masked)
}
