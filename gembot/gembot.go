package gembot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/gembot-dev/gembot/gembot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// GemBot is the main application struct: the discord gateway session,
// the DM assistant pipeline, the slash command surface, durable
// conversation history, and the optional status API.
type GemBot struct {
	config *Config

	db        *gorm.DB
	store     HistoryStore
	cache     *MemoryCache
	throttle  *RequestThrottle
	llm       LLM
	assistant *Assistant
	discord   *Discord
	api       *http.Server

	logger     *slog.Logger
	logHandler slog.Handler

	startedAt           time.Time
	messagesHandled     atomic.Int64
	interactionsHandled atomic.Int64
}

// New creates a GemBot from the given config, validating it and wiring
// every component. It does not open any connections; that happens in
// [GemBot.Run].
func New(config *Config) (*GemBot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	b := &GemBot{config: config}
	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler).With(loggerNameKey, "gembot")
	b.logger.Info("config loaded", "config", config)

	if config.Database != "" {
		dbLogHandler := tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.DatabaseLogLevel,
				AddSource: true,
			},
		)
		db, err := newDatabase(config, dbLogHandler)
		if err != nil {
			return nil, err
		}
		b.db = db
		b.store = newHistoryStore(
			db,
			slog.New(dbLogHandler),
			config.DatabaseType == dbTypeSQLite,
		)
	} else {
		b.logger.Warn(
			"no database configured, conversation history will not survive restarts",
		)
		b.store = disabledHistoryStore{}
	}

	aiHandler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.AI.LogLevel,
			AddSource: true,
		},
	)
	llm, err := newLLM(config.AI, aiHandler, config.HTTPClient)
	if err != nil {
		return nil, err
	}
	b.llm = llm
	if llm == nil {
		b.logger.Warn(
			"no model API key configured, the DM assistant is disabled",
			"provider", config.AI.Provider,
		)
	}

	b.cache = NewMemoryCache(config.AI.MaxMemoryTurns)
	b.throttle = NewRequestThrottle(config.AI.RequestSpacing, slog.New(aiHandler))

	b.discord = newDiscord(config.Discord)
	b.discord.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	config.Discord.httpClient = config.HTTPClient

	session, err := b.discord.newSession()
	if err != nil {
		return nil, err
	}
	b.discord.session = session

	b.assistant = NewAssistant(
		b.llm,
		b.store,
		b.cache,
		b.throttle,
		session,
		slog.New(aiHandler),
		config.AI.MaxHistoryMessages,
	)

	if config.API != nil && config.API.Enabled {
		b.api = newAPIServer(b)
	}

	return b, nil
}

// Run connects to the discord gateway, registers commands, starts the
// status API (if enabled), and blocks until ctx is canceled, then
// shuts everything down within the configured timeout.
func (b *GemBot) Run(ctx context.Context) error {
	b.startedAt = time.Now()

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	session := b.discord.session
	b.discord.discordgoRemoveHandlerFuncs = append(
		b.discord.discordgoRemoveHandlerFuncs,
		session.AddHandler(b.handlerReady()),
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.handlerMessageCreate()),
		session.AddHandler(b.handlerInteractionCreate()),
	)

	startupCtx, startupCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startupCancel()

	if err := session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if startupCtx.Err() != nil {
		_ = session.Close()
		return fmt.Errorf("startup aborted: %w", startupCtx.Err())
	}

	if _, err := b.discord.registerCommands(
		discordgo.WithContext(startupCtx),
	); err != nil {
		_ = session.Close()
		return fmt.Errorf("error registering commands: %w", err)
	}

	g, runCtx := errgroup.WithContext(ctx)

	if b.api != nil {
		g.Go(
			func() error {
				b.logger.Info("starting status API", "listen", b.api.Addr)
				if err := b.api.ListenAndServe(); err != nil &&
					!errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			<-runCtx.Done()
			b.logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				b.config.ShutdownTimeout,
			)
			defer cancel()

			if b.api != nil {
				if err := b.api.Shutdown(shutdownCtx); err != nil {
					b.logger.Error("error shutting down status API", tint.Err(err))
				}
			}
			if err := session.Close(); err != nil {
				b.logger.Error("error closing discord session", tint.Err(err))
			}
			for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
				remove()
			}
			return nil
		},
	)

	return g.Wait()
}

// handlerReady records the bot user (used as the author of persisted
// model turns) before delegating to the standard ready handler.
func (b *GemBot) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	ready := b.discord.handlerReady()
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			b.assistant.SetBotUser(r.User.ID)
		}
		ready(s, r)
	}
}

// handlerMessageCreate routes inbound direct messages to the
// assistant. Guild messages and bot authors are ignored.
func (b *GemBot) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if m.GuildID != "" {
			return
		}
		b.messagesHandled.Add(1)

		logger := b.logger.With(
			"channel_id", m.ChannelID,
			"author_id", m.Author.ID,
		)
		ctx := WithLogger(context.Background(), logger)
		go b.assistant.OnMessage(ctx, m.ChannelID, m.Author.ID, m.Content)
	}
}

// handlerInteractionCreate dispatches slash commands and the
// assistant's control buttons.
func (b *GemBot) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		b.interactionsHandled.Add(1)
		logger := b.logger.With(
			slog.Group("interaction", interactionLogAttrs(*i)...),
		)
		ctx := WithLogger(context.Background(), logger)

		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			go b.handleSlashCommand(ctx, i)
		case discordgo.InteractionMessageComponent:
			go b.handleComponent(ctx, i)
		default:
			logger.Warn("unhandled interaction type")
		}
	}
}

// handleSlashCommand runs the matching command handler. Handler errors
// are caught and reported ephemerally to the invoking user.
func (b *GemBot) handleSlashCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = b.logger
	}
	name := i.ApplicationCommandData().Name
	handler, ok := slashCommandHandlers[name]
	if !ok {
		logger.Warn("unknown command", "command_name", name)
		return
	}

	data, err := handler(b, i)
	if err != nil {
		logger.Error("command failed", "command_name", name, tint.Err(err))
		data = &discordgo.InteractionResponseData{
			Content: fmt.Sprintf(ephemeralErrorReply, err.Error()),
			Flags:   discordgo.MessageFlagsEphemeral,
		}
	}

	if respondErr := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
		discordgo.WithContext(ctx),
	); respondErr != nil {
		logger.Error(
			"error responding to interaction",
			"command_name", name,
			tint.Err(respondErr),
		)
	}
}

// handleComponent handles the help/clear/regenerate buttons attached
// to assistant replies. The button ack is ephemeral; the assistant's
// own output goes to the DM channel.
func (b *GemBot) handleComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = b.logger
	}
	customID := i.MessageComponentData().CustomID
	logger.Info("received button push", "custom_id", customID)

	respond := func(content string) {
		err := b.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: content,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.Error("error acking button push", tint.Err(err))
		}
	}

	switch customID {
	case assistantComponentHelp:
		respond(assistantUsageText)
	case assistantComponentClear:
		respond("Clearing our conversation...")
		b.assistant.Clear(ctx, i.ChannelID)
	case assistantComponentRegenerate:
		respond("Regenerating my last reply...")
		b.assistant.EnqueueRegenerate(ctx, i.ChannelID)
	default:
		logger.Warn("unknown component", "custom_id", customID)
	}
}
