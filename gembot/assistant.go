package gembot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	assistantComponentHelp       = "assistant:help"
	assistantComponentClear      = "assistant:clear"
	assistantComponentRegenerate = "assistant:regenerate"

	colorBlurple = 0x5865F2
)

var (
	// assistantBarrierTokens are reserved inputs that reset a
	// conversation instead of being sent to the model. Matched after
	// trimming, case-insensitively, and never queued.
	assistantBarrierTokens = map[string]bool{
		"!stop":   true,
		"!clear":  true,
		"!reset":  true,
		"!forget": true,
	}

	assistantResponseNotConfigured = "AI is not configured. Missing API key."
	assistantResponseEmpty         = "Sorry, I could not generate a response."
	assistantResponseNoRegenerate  = "There's no previous message to regenerate."
	assistantResponseErrorFormat   = "Error generating AI response: %s"

	assistantClearedTitle       = "Conversation cleared"
	assistantClearedDescription = "I will forget previous messages in this " +
		"DM. Start fresh anytime!"

	assistantUsageText = "DM me anything and I'll reply with AI. " +
		"Send `!stop`, `!clear`, `!reset` or `!forget` to wipe our " +
		"conversation history, or use the buttons under my replies: " +
		"**Clear** starts over, **Regenerate** retries my last answer."
)

// MessageSender is the outbound half of the chat platform boundary:
// just enough of the discord session to deliver assistant replies.
type MessageSender interface {
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// Assistant is the DM conversation pipeline. It owns history assembly,
// throttled model invocation, response chunking/delivery and history
// persistence for direct-message conversations.
//
// A conversation is identified by its DM channel ID, implicitly created
// on the first inbound message and never destroyed (a clear wipes its
// turns but keeps the identity).
type Assistant struct {
	llm                LLM
	store              HistoryStore
	cache              *MemoryCache
	throttle           *RequestThrottle
	sender             MessageSender
	logger             *slog.Logger
	maxHistoryMessages int
	botUserID          string
}

func NewAssistant(
	llm LLM,
	store HistoryStore,
	cache *MemoryCache,
	throttle *RequestThrottle,
	sender MessageSender,
	logger *slog.Logger,
	maxHistoryMessages int,
) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistoryMessages <= 0 {
		maxHistoryMessages = DefaultMaxHistoryMessages
	}
	return &Assistant{
		llm:                llm,
		store:              store,
		cache:              cache,
		throttle:           throttle,
		sender:             sender,
		logger:             logger.With(loggerNameKey, "assistant"),
		maxHistoryMessages: maxHistoryMessages,
	}
}

// SetBotUser records the bot's own user ID, used as the author of
// persisted model turns.
func (a *Assistant) SetBotUser(userID string) {
	a.botUserID = userID
}

// OnMessage handles a new inbound direct message.
//
// Barrier tokens are handled synchronously and never queued. An
// unconfigured model backend gets an immediate configuration-error
// reply, also never queued. Everything else is enqueued on the throttle
// as a generate work item.
func (a *Assistant) OnMessage(
	ctx context.Context,
	conversationID string,
	authorID string,
	content string,
) {
	logger := a.logger.With(
		"conversation_id", conversationID,
		"author_id", authorID,
	)
	ctx = WithLogger(ctx, logger)

	if assistantBarrierTokens[strings.ToLower(strings.TrimSpace(content))] {
		logger.InfoContext(ctx, "barrier token received")
		a.Clear(ctx, conversationID)
		return
	}

	if a.llm == nil {
		logger.WarnContext(ctx, "model backend not configured")
		a.notify(ctx, conversationID, assistantResponseNotConfigured)
		return
	}

	a.throttle.Enqueue(
		ctx, func(taskCtx context.Context) {
			a.generate(WithLogger(taskCtx, logger), conversationID, authorID, content)
		},
	)
}

// Clear wipes the conversation's durable and cached history, then sends
// a confirmation. Durable failures are swallowed: the cache delete and
// the confirmation always proceed, so repeated clears always leave the
// conversation with zero turns.
func (a *Assistant) Clear(ctx context.Context, conversationID string) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = a.logger.With("conversation_id", conversationID)
	}

	if err := a.store.Clear(ctx, conversationID); err != nil {
		logger.ErrorContext(
			ctx,
			"durable clear failed, proceeding with cache clear",
			tint.Err(err),
		)
	}
	a.cache.Delete(conversationID)

	embed := &discordgo.MessageEmbed{
		Title:       assistantClearedTitle,
		Description: assistantClearedDescription,
		Color:       colorBlurple,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := a.sender.ChannelMessageSendComplex(
		conversationID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	); err != nil {
		logger.ErrorContext(ctx, "error sending clear confirmation", tint.Err(err))
	}
}

// EnqueueRegenerate queues a regenerate work item for the conversation.
func (a *Assistant) EnqueueRegenerate(ctx context.Context, conversationID string) {
	logger := a.logger.With("conversation_id", conversationID)
	if a.llm == nil {
		logger.WarnContext(ctx, "model backend not configured")
		a.notify(ctx, conversationID, assistantResponseNotConfigured)
		return
	}
	a.throttle.Enqueue(
		ctx, func(taskCtx context.Context) {
			a.regenerate(WithLogger(taskCtx, logger), conversationID)
		},
	)
}

// generate runs one admitted generate work item: assemble history,
// invoke the model, deliver the chunked reply, then persist the new
// user and model turns. All failures are reported here and never
// propagate into the throttle's drain loop.
func (a *Assistant) generate(
	ctx context.Context,
	conversationID string,
	authorID string,
	input string,
) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = a.logger
	}

	history := a.assembleHistory(ctx, conversationID)

	reply, err := a.llm.Invoke(ctx, history, input)
	if err != nil {
		logger.ErrorContext(ctx, "model invocation failed", tint.Err(err))
		a.notify(
			ctx,
			conversationID,
			fmt.Sprintf(assistantResponseErrorFormat, err.Error()),
		)
		return
	}
	if strings.TrimSpace(reply) == "" {
		logger.WarnContext(ctx, "model returned no usable text")
		a.notify(ctx, conversationID, assistantResponseEmpty)
		return
	}

	if err = a.deliver(ctx, conversationID, reply); err != nil {
		// Best effort, no atomicity across segments: already-sent
		// segments stay, nothing is persisted.
		logger.ErrorContext(ctx, "delivery failed", tint.Err(err))
		a.notify(
			ctx,
			conversationID,
			fmt.Sprintf(assistantResponseErrorFormat, err.Error()),
		)
		return
	}

	now := time.Now().UTC()
	userTurn := Turn{Role: TurnRoleUser, Text: input, Timestamp: now}
	modelTurn := Turn{
		Role:      TurnRoleModel,
		Text:      reply,
		Timestamp: now.Add(time.Millisecond),
	}
	a.persist(ctx, conversationID, authorID, userTurn, modelTurn)
}

// regenerate re-answers the most recent user turn: history before that
// turn is replayed, and its text becomes the new input. The user turn
// already exists, so only the new model turn is persisted.
//
// When several user turns are consecutive (no intervening model turn),
// the most recent one is replayed.
func (a *Assistant) regenerate(ctx context.Context, conversationID string) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = a.logger
	}

	history := a.assembleHistory(ctx, conversationID)

	lastUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == TurnRoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		logger.InfoContext(ctx, "no previous user turn to regenerate")
		a.notify(ctx, conversationID, assistantResponseNoRegenerate)
		return
	}

	input := history[lastUser].Text
	reply, err := a.llm.Invoke(ctx, history[:lastUser], input)
	if err != nil {
		logger.ErrorContext(ctx, "model invocation failed", tint.Err(err))
		a.notify(
			ctx,
			conversationID,
			fmt.Sprintf(assistantResponseErrorFormat, err.Error()),
		)
		return
	}
	if strings.TrimSpace(reply) == "" {
		logger.WarnContext(ctx, "model returned no usable text")
		a.notify(ctx, conversationID, assistantResponseEmpty)
		return
	}

	if err = a.deliver(ctx, conversationID, reply); err != nil {
		logger.ErrorContext(ctx, "delivery failed", tint.Err(err))
		a.notify(
			ctx,
			conversationID,
			fmt.Sprintf(assistantResponseErrorFormat, err.Error()),
		)
		return
	}

	modelTurn := Turn{
		Role:      TurnRoleModel,
		Text:      reply,
		Timestamp: time.Now().UTC(),
	}
	a.persist(ctx, conversationID, a.botUserID, modelTurn)
}

// assembleHistory loads up to maxHistoryMessages recent turns from the
// durable store, falling back to the in-memory cache when the store
// yields nothing usable. Fetch errors degrade to the cache as well.
func (a *Assistant) assembleHistory(
	ctx context.Context,
	conversationID string,
) []Turn {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = a.logger
	}

	turns, err := a.store.Fetch(ctx, conversationID, a.maxHistoryMessages)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"history fetch failed, falling back to cache",
			tint.Err(err),
		)
		turns = nil
	}

	usable := turns[:0]
	for _, turn := range turns {
		if strings.TrimSpace(turn.Text) == "" {
			continue
		}
		usable = append(usable, turn)
	}
	if len(usable) > 0 {
		return usable
	}
	return a.cache.Get(conversationID)
}

// persist write-throughs turns to the durable store when one is
// configured, degrading silently to the in-memory cache on failure.
// The user turn is attributed to authorID; model turns to the bot user.
func (a *Assistant) persist(
	ctx context.Context,
	conversationID string,
	authorID string,
	turns ...Turn,
) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = a.logger
	}

	if !a.store.Enabled() {
		a.cache.Append(conversationID, turns...)
		return
	}

	for i, turn := range turns {
		author := authorID
		if turn.Role == TurnRoleModel {
			author = a.botUserID
		}
		if err := a.store.Append(ctx, conversationID, author, turn); err != nil {
			logger.WarnContext(
				ctx,
				"durable append failed, degrading to memory cache",
				tint.Err(err),
			)
			a.cache.Append(conversationID, turns[i:]...)
			return
		}
	}
}

// deliver splits reply into size-bounded segments and sends them in
// order. The final segment carries the assistant's control buttons.
// The first send failure aborts delivery.
func (a *Assistant) deliver(
	ctx context.Context,
	conversationID string,
	reply string,
) error {
	chunks := splitMessage(reply, discordMaxMessageLength)
	for i, chunk := range chunks {
		if i == len(chunks)-1 {
			_, err := a.sender.ChannelMessageSendComplex(
				conversationID,
				&discordgo.MessageSend{
					Content:    chunk,
					Components: assistantComponents(),
				},
				discordgo.WithContext(ctx),
			)
			if err != nil {
				return fmt.Errorf("error sending segment %d/%d: %w", i+1, len(chunks), err)
			}
			continue
		}
		_, err := a.sender.ChannelMessageSend(
			conversationID,
			chunk,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("error sending segment %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// notify sends a plain one-off message, logging (but otherwise
// ignoring) failures.
func (a *Assistant) notify(ctx context.Context, conversationID string, text string) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = a.logger
	}
	if _, err := a.sender.ChannelMessageSend(
		conversationID,
		text,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error sending notice", tint.Err(err))
	}
}

// assistantComponents returns the action row attached to the final
// segment of every assistant reply.
func assistantComponents() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Help",
					Style:    discordgo.SecondaryButton,
					CustomID: assistantComponentHelp,
				},
				discordgo.Button{
					Label:    "Clear",
					Style:    discordgo.DangerButton,
					CustomID: assistantComponentClear,
				},
				discordgo.Button{
					Label:    "Regenerate",
					Style:    discordgo.PrimaryButton,
					CustomID: assistantComponentRegenerate,
				},
			},
		},
	}
}
