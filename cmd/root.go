package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/gembot-dev/gembot/gembot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     = gembot.DefaultConfig()
	envFile string
)

var rootCmd = &cobra.Command{
	Use: "gembot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func levelStringToLevelVar(level string) (*slog.LevelVar, error) {
	lvl, err := getLogLevel(level)
	if err != nil {
		return nil, err
	}
	lvlVar := &slog.LevelVar{}
	lvlVar.Set(lvl)
	return lvlVar, nil
}

// LevelToStringHookFunc decodes string log levels onto *slog.LevelVar
// config fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if envFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(envFile); err != nil {
			log.Printf("No env file found at %s", envFile)
		}
	}

	viper.SetDefault("database", "")
	viper.SetDefault("database_type", gembot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		gembot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		gembot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", gembot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", gembot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", gembot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.custom_status", gembot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", gembot.DefaultDiscordErrorMessage)
	viper.SetDefault(
		"discord.log_level",
		gembot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		gembot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		gembot.DefaultDiscordGatewayIntent,
	)

	// AI config
	viper.SetDefault("ai.provider", gembot.DefaultAIProvider)
	viper.SetDefault("ai.gemini_api_key", "")
	viper.SetDefault("ai.openai_api_key", "")
	viper.SetDefault("ai.gemini_model", gembot.DefaultGeminiModel)
	viper.SetDefault("ai.openai_model", gembot.DefaultOpenAIModel)
	viper.SetDefault("ai.system_instruction", gembot.DefaultSystemInstruction)
	viper.SetDefault("ai.request_spacing", gembot.DefaultRequestSpacing)
	viper.SetDefault("ai.max_history_messages", gembot.DefaultMaxHistoryMessages)
	viper.SetDefault("ai.max_memory_turns", gembot.DefaultMaxMemoryTurns)
	viper.SetDefault("ai.log_level", gembot.DefaultAILogLevel.String())

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", gembot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", gembot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", gembot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		gembot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", gembot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", gembot.DefaultIdleTimeout)
	viper.SetDefault("api.cors.allow_headers", gembot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", gembot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", gembot.DefaultCORSMaxAge)

	envPrefix := os.Getenv(gembot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = gembot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"ai.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		"Load environment variables from this file instead of .env",
	)
}
