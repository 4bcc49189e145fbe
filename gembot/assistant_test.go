package gembot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type llmInvocation struct {
	history []Turn
	input   string
}

// stubLLM records every invocation and replies with a canned response.
type stubLLM struct {
	mu          sync.Mutex
	invocations []llmInvocation
	reply       string
	err         error
}

func (s *stubLLM) Invoke(
	_ context.Context,
	history []Turn,
	input string,
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recorded := make([]Turn, len(history))
	copy(recorded, history)
	s.invocations = append(s.invocations, llmInvocation{history: recorded, input: input})
	return s.reply, s.err
}

func (s *stubLLM) Name() string {
	return "stub"
}

func (s *stubLLM) invocationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invocations)
}

type sentMessage struct {
	channelID  string
	content    string
	embeds     []*discordgo.MessageEmbed
	components []discordgo.MessageComponent
	complex    bool
}

// stubSender records outbound messages in order.
type stubSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
}

func (s *stubSender) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (s *stubSender) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(
		s.sent, sentMessage{
			channelID:  channelID,
			content:    data.Content,
			embeds:     data.Embeds,
			components: data.Components,
			complex:    true,
		},
	)
	return &discordgo.Message{ChannelID: channelID, Content: data.Content}, nil
}

func (s *stubSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// appendFailStore wraps a real store and fails every Append.
type appendFailStore struct {
	HistoryStore
}

func (appendFailStore) Append(
	context.Context,
	string,
	string,
	Turn,
) error {
	return errors.New("disk full")
}

func newTestAssistant(
	t *testing.T,
	llm LLM,
	store HistoryStore,
) (*Assistant, *stubSender) {
	t.Helper()
	if store == nil {
		store = newTestHistoryStore(t)
	}
	sender := &stubSender{}
	assistant := NewAssistant(
		llm,
		store,
		NewMemoryCache(DefaultMaxMemoryTurns),
		NewRequestThrottle(time.Millisecond, newTestLogger()),
		sender,
		newTestLogger(),
		DefaultMaxHistoryMessages,
	)
	assistant.SetBotUser("bot_user")
	return assistant, sender
}

func TestAssistantBarrierTokenClears(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "should never be used"}
	store := newTestHistoryStore(t)
	assistant, sender := newTestAssistant(t, llm, store)

	require.NoError(
		t, store.Append(
			ctx, "dm_1", "user_1", Turn{
				Role:      TurnRoleUser,
				Text:      "hi",
				Timestamp: time.Now(),
			},
		),
	)
	assistant.cache.Append("dm_1", Turn{Role: TurnRoleUser, Text: "hi"})

	// matched after trimming, case-insensitively, handled synchronously
	assistant.OnMessage(ctx, "dm_1", "user_1", "  !CLEAR ")

	turns, err := store.Fetch(ctx, "dm_1", 100)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Nil(t, assistant.cache.Get("dm_1"))
	assert.Zero(t, llm.invocationCount())

	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].embeds, 1)
	assert.Equal(t, assistantClearedTitle, sent[0].embeds[0].Title)
	assert.Equal(t, colorBlurple, sent[0].embeds[0].Color)
}

func TestAssistantBarrierTokens(t *testing.T) {
	for _, token := range []string{"!stop", "!clear", "!reset", "!forget"} {
		t.Run(
			token, func(t *testing.T) {
				llm := &stubLLM{reply: "unused"}
				assistant, sender := newTestAssistant(t, llm, nil)

				assistant.OnMessage(context.Background(), "dm_1", "user_1", token)

				assert.Zero(t, llm.invocationCount())
				require.Len(t, sender.messages(), 1)
				assert.NotEmpty(t, sender.messages()[0].embeds)
			},
		)
	}
}

func TestAssistantBarrierTokenRequiresExactMatch(t *testing.T) {
	llm := &stubLLM{reply: "a reply"}
	assistant, sender := newTestAssistant(t, llm, nil)

	// substring mention of a token is an ordinary message
	assistant.OnMessage(context.Background(), "dm_1", "user_1", "what does !clear do?")

	require.Eventually(
		t, func() bool {
			return len(sender.messages()) == 1
		},
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, 1, llm.invocationCount())
	assert.Equal(t, "a reply", sender.messages()[0].content)
}

func TestAssistantNotConfigured(t *testing.T) {
	assistant, sender := newTestAssistant(t, nil, nil)

	assistant.OnMessage(context.Background(), "dm_1", "user_1", "hello?")

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, assistantResponseNotConfigured, sent[0].content)
	assert.Equal(t, 0, assistant.throttle.Len())
}

func TestAssistantGenerate(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "hello there"}
	store := newTestHistoryStore(t)
	assistant, sender := newTestAssistant(t, llm, store)

	assistant.generate(ctx, "dm_1", "user_1", "hi bot")

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello there", sent[0].content)
	assert.True(t, sent[0].complex)
	assert.NotEmpty(t, sent[0].components)

	// both new turns persisted, user first
	turns, err := store.Fetch(ctx, "dm_1", 100)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, TurnRoleUser, turns[0].Role)
	assert.Equal(t, "hi bot", turns[0].Text)
	assert.Equal(t, TurnRoleModel, turns[1].Role)
	assert.Equal(t, "hello there", turns[1].Text)
}

func TestAssistantGenerateSendsHistory(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "and again"}
	store := newTestHistoryStore(t)
	assistant, _ := newTestAssistant(t, llm, store)

	assistant.generate(ctx, "dm_1", "user_1", "first")
	assistant.generate(ctx, "dm_1", "user_1", "second")

	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.invocations, 2)
	assert.Empty(t, llm.invocations[0].history)
	assert.Equal(t, "first", llm.invocations[0].input)

	// the second call replays the first exchange
	require.Len(t, llm.invocations[1].history, 2)
	assert.Equal(t, "first", llm.invocations[1].history[0].Text)
	assert.Equal(t, "and again", llm.invocations[1].history[1].Text)
	assert.Equal(t, "second", llm.invocations[1].input)
}

func TestAssistantGenerateEmptyReply(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "  \n "}
	store := newTestHistoryStore(t)
	assistant, sender := newTestAssistant(t, llm, store)

	assistant.generate(ctx, "dm_1", "user_1", "hi bot")

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, assistantResponseEmpty, sent[0].content)

	// nothing persisted anywhere
	turns, err := store.Fetch(ctx, "dm_1", 100)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Nil(t, assistant.cache.Get("dm_1"))
}

func TestAssistantGenerateModelError(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{err: errors.New("rate limited upstream")}
	store := newTestHistoryStore(t)
	assistant, sender := newTestAssistant(t, llm, store)

	assistant.generate(ctx, "dm_1", "user_1", "hi bot")

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].content, "rate limited upstream")

	turns, err := store.Fetch(ctx, "dm_1", 100)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAssistantGenerateAppendFailureDegradesToCache(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "hello there"}
	store := appendFailStore{HistoryStore: newTestHistoryStore(t)}
	assistant, sender := newTestAssistant(t, llm, store)

	assistant.generate(ctx, "dm_1", "user_1", "hi bot")

	// the reply was still delivered
	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello there", sent[0].content)

	// both turns ended up in the cache instead of the store
	cached := assistant.cache.Get("dm_1")
	require.Len(t, cached, 2)
	assert.Equal(t, "hi bot", cached[0].Text)
	assert.Equal(t, "hello there", cached[1].Text)

	turns, err := store.Fetch(ctx, "dm_1", 100)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAssistantGenerateDisabledStoreUsesCache(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "cached reply"}
	assistant, _ := newTestAssistant(t, llm, disabledHistoryStore{})

	assistant.generate(ctx, "dm_1", "user_1", "hi bot")
	assistant.generate(ctx, "dm_1", "user_1", "again")

	cached := assistant.cache.Get("dm_1")
	require.Len(t, cached, 4)

	// the second invocation saw the cached first exchange
	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.invocations, 2)
	require.Len(t, llm.invocations[1].history, 2)
	assert.Equal(t, "hi bot", llm.invocations[1].history[0].Text)
}

func TestAssistantDeliveryChunks(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: strings.Repeat("y", 4500)}
	assistant, sender := newTestAssistant(t, llm, nil)

	assistant.generate(ctx, "dm_1", "user_1", "write an essay")

	sent := sender.messages()
	require.Len(t, sent, 3)

	var rebuilt strings.Builder
	for i, msg := range sent {
		assert.LessOrEqual(t, len(msg.content), discordMaxMessageLength)
		rebuilt.WriteString(msg.content)
		if i == len(sent)-1 {
			// only the final segment carries the control buttons
			assert.True(t, msg.complex)
			assert.NotEmpty(t, msg.components)
		} else {
			assert.False(t, msg.complex)
		}
	}
	assert.Equal(t, llm.reply, rebuilt.String())
}

func TestAssistantDeliveryFailureSkipsPersistence(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "hello there"}
	store := newTestHistoryStore(t)
	assistant, sender := newTestAssistant(t, llm, store)
	sender.sendErr = errors.New("channel gone")

	assistant.generate(ctx, "dm_1", "user_1", "hi bot")

	turns, err := store.Fetch(ctx, "dm_1", 100)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Nil(t, assistant.cache.Get("dm_1"))
}

func TestAssistantRegenerate(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "take two"}
	store := newTestHistoryStore(t)
	assistant, sender := newTestAssistant(t, llm, store)

	base := time.Now().UTC().Truncate(time.Millisecond)
	seed := []Turn{
		{Role: TurnRoleUser, Text: "tell me a joke", Timestamp: base},
		{Role: TurnRoleModel, Text: "a bad joke", Timestamp: base.Add(time.Millisecond)},
	}
	for _, turn := range seed {
		require.NoError(t, store.Append(ctx, "dm_1", "user_1", turn))
	}

	assistant.regenerate(ctx, "dm_1")

	// the last user turn was replayed against the history before it
	llm.mu.Lock()
	require.Len(t, llm.invocations, 1)
	assert.Equal(t, "tell me a joke", llm.invocations[0].input)
	assert.Empty(t, llm.invocations[0].history)
	llm.mu.Unlock()

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "take two", sent[0].content)

	// only the new model turn is persisted, attributed to the bot
	turns, err := store.Fetch(ctx, "dm_1", 100)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, TurnRoleModel, turns[2].Role)
	assert.Equal(t, "take two", turns[2].Text)
}

func TestAssistantRegeneratePicksLatestUserTurn(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "answered"}
	store := newTestHistoryStore(t)
	assistant, _ := newTestAssistant(t, llm, store)

	base := time.Now().UTC().Truncate(time.Millisecond)
	seed := []Turn{
		{Role: TurnRoleUser, Text: "first question", Timestamp: base},
		{Role: TurnRoleModel, Text: "first answer", Timestamp: base.Add(time.Millisecond)},
		{Role: TurnRoleUser, Text: "second question", Timestamp: base.Add(2 * time.Millisecond)},
		{Role: TurnRoleUser, Text: "third question", Timestamp: base.Add(3 * time.Millisecond)},
	}
	for _, turn := range seed {
		require.NoError(t, store.Append(ctx, "dm_1", "user_1", turn))
	}

	assistant.regenerate(ctx, "dm_1")

	// consecutive user turns: the most recent one is replayed, and the
	// turns before it form the context
	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.invocations, 1)
	assert.Equal(t, "third question", llm.invocations[0].input)
	require.Len(t, llm.invocations[0].history, 3)
	assert.Equal(t, "second question", llm.invocations[0].history[2].Text)
}

func TestAssistantRegenerateEmptyHistory(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "unused"}
	assistant, sender := newTestAssistant(t, llm, nil)

	assistant.regenerate(ctx, "dm_1")

	assert.Zero(t, llm.invocationCount())
	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, assistantResponseNoRegenerate, sent[0].content)
}

func TestAssistantRegenerateModelOnlyHistory(t *testing.T) {
	ctx := context.Background()
	llm := &stubLLM{reply: "unused"}
	store := newTestHistoryStore(t)
	assistant, sender := newTestAssistant(t, llm, store)

	require.NoError(
		t, store.Append(
			ctx, "dm_1", "bot_user", Turn{
				Role:      TurnRoleModel,
				Text:      "hello, I am a bot",
				Timestamp: time.Now(),
			},
		),
	)

	assistant.regenerate(ctx, "dm_1")

	assert.Zero(t, llm.invocationCount())
	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, assistantResponseNoRegenerate, sent[0].content)
}

func TestAssistantOnMessageQueuesWork(t *testing.T) {
	llm := &stubLLM{reply: "queued reply"}
	assistant, sender := newTestAssistant(t, llm, nil)

	for i := 0; i < 3; i++ {
		assistant.OnMessage(context.Background(), "dm_1", "user_1", "hello")
	}

	require.Eventually(
		t, func() bool {
			return len(sender.messages()) == 3
		},
		10*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, 3, llm.invocationCount())
}
