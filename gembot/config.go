//nolint:lll // struct tags can't be split
package gembot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "GEMBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "GEMBOT"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultRequestSpacing is the minimum delay enforced between
	// consecutive model invocations, across all conversations.
	DefaultRequestSpacing = 6 * time.Second

	// DefaultMaxHistoryMessages is the maximum number of stored turns
	// loaded when assembling conversation history for the model.
	DefaultMaxHistoryMessages = 100

	// DefaultMaxMemoryTurns bounds the in-memory fallback history. The
	// cache keeps at most 2x this many turns per conversation.
	DefaultMaxMemoryTurns = 25

	AIProviderGemini   = "gemini"
	AIProviderOpenAI   = "openai"
	DefaultAIProvider  = AIProviderGemini
	DefaultGeminiModel = "gemini-2.5-flash"
	DefaultOpenAIModel = "gpt-4o-mini"

	DefaultSystemInstruction = "You are a helpful Discord bot. Be concise " +
		"and friendly. If the user asks about server-specific actions, " +
		"remind them you can only chat in DMs."

	DefaultDiscordCustomStatus  = "DM me for AI!"
	DefaultDiscordErrorMessage  = "sorry, something went wrong!"
	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	// discordMaxMessageLength is the hard character ceiling for a plain
	// discord message.
	discordMaxMessageLength = 2000

	// embedDescriptionMaxLength is the character ceiling for a rich embed
	// description.
	embedDescriptionMaxLength = 4096

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAILogLevel        = slog.LevelInfo
)

// Config is the top-level bot configuration, loaded via viper in the
// cmd package and validated on startup.
type Config struct {
	// Database connection string. Leave empty to run without durable
	// conversation history (the in-memory fallback cache is still used).
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" validate:"omitempty,oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" validate:"required"`

	// AI configures the language-model backend and the DM assistant
	AI *AIConfig `yaml:"ai" mapstructure:"ai" json:"ai" validate:"required"`

	// API configures the optional status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" validate:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// CustomStatus is set as the bot user's status on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// ErrorMessage is sent to users when something unexpected breaks
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// AIConfig configures the language-model backend used for the DM
// assistant, and the assistant's history/throttle limits.
type AIConfig struct {
	// Provider selects the model backend, either 'gemini' or 'openai'.
	// Leaving the matching API key unset disables the assistant: DMs get
	// a configuration-error reply instead of being queued.
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider" validate:"omitempty,oneof=gemini openai"`

	// GeminiAPIKey is the Google generative language API key
	GeminiAPIKey string `yaml:"gemini_api_key" mapstructure:"gemini_api_key" json:"gemini_api_key" log:"[redacted]"`

	// OpenAIAPIKey is the OpenAI API token
	OpenAIAPIKey string `yaml:"openai_api_key" mapstructure:"openai_api_key" json:"openai_api_key" log:"[redacted]"`

	// GeminiModel names the gemini model to use
	GeminiModel string `yaml:"gemini_model" mapstructure:"gemini_model" json:"gemini_model"`

	// OpenAIModel names the openai chat completion model to use
	OpenAIModel string `yaml:"openai_model" mapstructure:"openai_model" json:"openai_model"`

	// SystemInstruction is sent with every model invocation
	SystemInstruction string `yaml:"system_instruction" mapstructure:"system_instruction" json:"system_instruction"`

	// RequestSpacing is the minimum delay between model invocations,
	// enforced process-wide across all conversations
	RequestSpacing time.Duration `yaml:"request_spacing" mapstructure:"request_spacing" json:"request_spacing" validate:"min=0"`

	// MaxHistoryMessages caps how many stored turns are loaded when
	// assembling history for a model invocation
	MaxHistoryMessages int `yaml:"max_history_messages" mapstructure:"max_history_messages" json:"max_history_messages" validate:"min=1"`

	// MaxMemoryTurns bounds the in-memory fallback cache (2x this value
	// per conversation)
	MaxMemoryTurns int `yaml:"max_memory_turns" mapstructure:"max_memory_turns" json:"max_memory_turns" validate:"min=1"`

	// AI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the optional status API server
type APIConfig struct {
	// Determines if the status API should be active
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000")
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" validate:"required_if=Enabled true,omitempty,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix")
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" validate:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"Cache-Control",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: defaultMethods,
		AllowHeaders: defaultHeaders,
		MaxAge:       DefaultCORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	aiLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	aiLogLevel.Set(DefaultAILogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			CustomStatus:      DefaultDiscordCustomStatus,
			ErrorMessage:      DefaultDiscordErrorMessage,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayIntents:    DefaultDiscordGatewayIntent,
		},
		AI: &AIConfig{
			Provider:           DefaultAIProvider,
			GeminiModel:        DefaultGeminiModel,
			OpenAIModel:        DefaultOpenAIModel,
			SystemInstruction:  DefaultSystemInstruction,
			RequestSpacing:     DefaultRequestSpacing,
			MaxHistoryMessages: DefaultMaxHistoryMessages,
			MaxMemoryTurns:     DefaultMaxMemoryTurns,
			LogLevel:           aiLogLevel,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
