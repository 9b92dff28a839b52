package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
	Relay     RelayConfig     `mapstructure:"relay"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Skills    SkillsConfig    `mapstructure:"skills"`
	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RelayConfig holds the knobs consumed by the message pipeline.
type RelayConfig struct {
	DebounceEnabled    bool          `mapstructure:"debounce_enabled"`
	DebounceWindow     time.Duration `mapstructure:"debounce_window"`
	FirstFlushMinChars int           `mapstructure:"first_flush_min_chars"`
	EditInterval       time.Duration `mapstructure:"edit_interval"`
	MinEditDiff        int           `mapstructure:"min_edit_diff"`
	Cursor             string        `mapstructure:"cursor"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout"`
	HistoryMessages    int           `mapstructure:"history_messages"`
}

type LLMConfig struct {
	Provider     string       `mapstructure:"provider"`
	SystemPrompt string       `mapstructure:"system_prompt"`
	CLI          CLIConfig    `mapstructure:"cli"`
	OpenAI       OpenAIConfig `mapstructure:"openai"`
	Doubao       DoubaoConfig `mapstructure:"doubao"`
	Qwen         QwenConfig   `mapstructure:"qwen"`
}

// CLIConfig describes the model subprocess.
type CLIConfig struct {
	Binary  string        `mapstructure:"binary"`
	Args    []string      `mapstructure:"args"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	Stream  bool          `mapstructure:"stream"`
}

type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DoubaoConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type QwenConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type SkillsConfig struct {
	EnabledBuiltin []string          `mapstructure:"enabled_builtin"`
	FetchMaxBytes  int               `mapstructure:"fetch_max_bytes"`
	FetchTimeout   time.Duration     `mapstructure:"fetch_timeout"`
	MCPServers     []MCPServerConfig `mapstructure:"mcp_servers"`
}

type MCPServerConfig struct {
	Name      string   `mapstructure:"name"`
	Transport string   `mapstructure:"transport"` // sse | stdio
	URL       string   `mapstructure:"url"`
	Command   string   `mapstructure:"command"`
	Args      []string `mapstructure:"args"`
	Env       []string `mapstructure:"env"`
}

type TransportConfig struct {
	Web      WebConfig      `mapstructure:"web"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type WebConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	BaseURL        string        `mapstructure:"base_url"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	AllowedChatIDs []int64       `mapstructure:"allowed_chat_ids"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type StorageConfig struct {
	Type    string `mapstructure:"type"`
	DataDir string `mapstructure:"data_dir"`
}

var cfg *Config

// SetDefaults registers a default for every key so that a sparse or empty
// config file still yields a runnable configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Accept"})
	v.SetDefault("cors.max_age", 600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("relay.debounce_enabled", true)
	v.SetDefault("relay.debounce_window", 1500*time.Millisecond)
	v.SetDefault("relay.first_flush_min_chars", 30)
	v.SetDefault("relay.edit_interval", time.Second)
	v.SetDefault("relay.min_edit_diff", 40)
	v.SetDefault("relay.cursor", " ▍")
	v.SetDefault("relay.task_timeout", 5*time.Minute)
	v.SetDefault("relay.history_messages", 20)

	v.SetDefault("llm.provider", "cli")
	v.SetDefault("llm.cli.binary", "claude")
	v.SetDefault("llm.cli.timeout", 300*time.Second)
	v.SetDefault("llm.cli.stream", true)
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.timeout", 120*time.Second)
	v.SetDefault("llm.doubao.timeout", 120*time.Second)
	v.SetDefault("llm.qwen.base_url", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("llm.qwen.model", "qwen-plus")
	v.SetDefault("llm.qwen.max_tokens", 2048)
	v.SetDefault("llm.qwen.temperature", 0.7)
	v.SetDefault("llm.qwen.timeout", 120*time.Second)

	v.SetDefault("skills.enabled_builtin", []string{"calc", "time.now", "web.fetch"})
	v.SetDefault("skills.fetch_max_bytes", 8000)
	v.SetDefault("skills.fetch_timeout", 15*time.Second)

	v.SetDefault("transport.web.enabled", true)
	v.SetDefault("transport.telegram.base_url", "https://api.telegram.org")
	v.SetDefault("transport.telegram.poll_timeout", 30*time.Second)

	v.SetDefault("session.ttl", 72*time.Hour)
	v.SetDefault("session.cleanup_interval", time.Hour)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.data_dir", "./data")
}

// Load reads the YAML file at configPath. An empty path loads defaults only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applySecretEnv(c)

	dataDir, err := expandPath(c.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	c.Storage.DataDir = dataDir

	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg = c
	return c, nil
}

// the file wins; well-known provider variables fill whatever it leaves empty
func applySecretEnv(c *Config) {
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.Doubao.APIKey == "" {
		if apiKey := os.Getenv("DOUBAO_API_KEY"); apiKey != "" {
			c.LLM.Doubao.APIKey = apiKey
		}
		if apiKey := os.Getenv("ARK_API_KEY"); apiKey != "" {
			c.LLM.Doubao.APIKey = apiKey
		}
	}
	if c.LLM.Qwen.APIKey == "" {
		c.LLM.Qwen.APIKey = os.Getenv("DASHSCOPE_API_KEY")
	}
	if c.Transport.Telegram.BotToken == "" {
		c.Transport.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
}

// expandPath resolves a leading ~ to the user's home directory.
func expandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

var providers = map[string]bool{"cli": true, "openai": true, "doubao": true, "qwen": true}

func (c *Config) Validate() error {
	if !providers[c.LLM.Provider] {
		return fmt.Errorf("unsupported llm provider: %q", c.LLM.Provider)
	}
	if c.Relay.DebounceWindow < 0 || c.Relay.EditInterval < 0 {
		return fmt.Errorf("relay windows must not be negative")
	}
	if c.Relay.FirstFlushMinChars < 0 || c.Relay.MinEditDiff < 0 {
		return fmt.Errorf("relay thresholds must not be negative")
	}
	if c.Transport.Telegram.Enabled && c.Transport.Telegram.BotToken == "" {
		return fmt.Errorf("transport.telegram.enabled requires a bot token")
	}
	switch c.Storage.Type {
	case "memory", "disk":
	default:
		return fmt.Errorf("unsupported storage type: %q", c.Storage.Type)
	}
	return nil
}

func Get() *Config {
	return cfg
}
