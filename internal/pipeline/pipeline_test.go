package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.chatsync/internal/errors"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/proto"
	"sudooom.im.chatsync/internal/room"
	"sudooom.im.chatsync/internal/snowflake"
	"sudooom.im.chatsync/internal/store"
	"sudooom.im.chatsync/internal/translate"
	"sudooom.im.chatsync/internal/workerpool"
)

// conn 记录收到事件的测试连接
type conn struct {
	id       string
	identity string

	mu     sync.Mutex
	events []proto.Envelope
}

func (c *conn) ID() string         { return c.id }
func (c *conn) IdentityID() string { return c.identity }

func (c *conn) Deliver(env proto.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, env)
	return nil
}

func (c *conn) named(event string) []proto.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []proto.Envelope
	for _, e := range c.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *conn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type stubTranslator struct {
	calls atomic.Int32
	fn    func(text, from, to string) translate.Result
}

func (s *stubTranslator) Translate(ctx context.Context, text, from, to string) translate.Result {
	s.calls.Add(1)
	if s.fn == nil {
		return translate.Result{Text: text}
	}
	return s.fn(text, from, to)
}

type env struct {
	store      store.Store
	mem        *store.Memory
	router     *room.Router
	pool       *workerpool.Pool
	translator *stubTranslator
	pipeline   *Pipeline
	alice      *conn
	bob        *conn
}

var (
	alice = &model.Identity{ID: "alice", Name: "Alice", PreferredLanguage: "en", IsVerified: true}
	bob   = &model.Identity{ID: "bob", Name: "Bob", PreferredLanguage: "hi", IsVerified: true}
	chris = &model.Identity{ID: "chris", Name: "Chris", PreferredLanguage: "en", IsVerified: true}
	eve   = &model.Identity{ID: "eve", Name: "Eve", PreferredLanguage: "en"}
)

func newEnv(t *testing.T, wrap func(*store.Memory) store.Store) *env {
	t.Helper()
	mem := store.NewMemory(snowflake.NewNode(1))
	ctx := context.Background()
	for _, id := range []*model.Identity{alice, bob, chris, eve} {
		require.NoError(t, mem.SaveIdentity(ctx, id))
	}

	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}

	router := room.NewRouter(nil)
	pool := workerpool.New(4, 64, nil)
	t.Cleanup(pool.Shutdown)
	translator := &stubTranslator{}

	e := &env{
		store:      st,
		mem:        mem,
		router:     router,
		pool:       pool,
		translator: translator,
		pipeline:   New(st, router, translator, pool, nil),
		alice:      &conn{id: "c-alice", identity: "alice"},
		bob:        &conn{id: "c-bob", identity: "bob"},
	}
	router.Subscribe(room.Personal("alice"), e.alice)
	router.Subscribe(room.Personal("bob"), e.bob)
	return e
}

func (e *env) send(text, correlationID string) (*SendResult, error) {
	return e.pipeline.Send(context.Background(), e.alice, SendIntent{
		Sender:        alice,
		RecipientID:   "bob",
		Text:          text,
		CorrelationID: correlationID,
	})
}

func TestSend_HappyPathWithTranslation(t *testing.T) {
	e := newEnv(t, nil)
	e.translator.fn = func(text, from, to string) translate.Result {
		return translate.Result{Text: "नमस्ते", Translated: true}
	}

	res, err := e.send("hello", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	assert.True(t, res.Created)
	assert.True(t, res.Message.IsDelivered)
	assert.False(t, res.Message.IsRead)

	// 接收方立即收到原文
	news := e.bob.named(proto.EventNewMessage)
	require.Len(t, news, 1)
	var delivered proto.MessagePayload
	require.NoError(t, news[0].Decode(&delivered))
	assert.Equal(t, "hello", delivered.DisplayText)
	assert.False(t, delivered.IsTranslated)
	assert.Equal(t, res.Message.ID, delivered.ID)
	assert.Equal(t, "Alice", delivered.Sender.Name)

	// 发送方只收到确认，不收到扇出回显
	assert.Empty(t, e.alice.named(proto.EventNewMessage))
	sent := e.alice.named(proto.EventMessageSent)
	require.Len(t, sent, 1)
	var confirm proto.MessageSent
	require.NoError(t, sent[0].Decode(&confirm))
	assert.Equal(t, "corr-1", confirm.CorrelationID)
	assert.Equal(t, res.Message.ID, confirm.Message.ID)
	assert.GreaterOrEqual(t, confirm.ProcessingTimeMs, int64(0))

	// 译文稍后到达，仅发往接收方
	require.Eventually(t, func() bool {
		return len(e.bob.named(proto.EventMessageTranslated)) == 1
	}, time.Second, 5*time.Millisecond)
	var translated proto.MessagePayload
	require.NoError(t, e.bob.named(proto.EventMessageTranslated)[0].Decode(&translated))
	assert.Equal(t, "नमस्ते", translated.DisplayText)
	assert.Equal(t, "hello", translated.OriginalText)
	assert.True(t, translated.IsTranslated)
	assert.Empty(t, e.alice.named(proto.EventMessageTranslated))

	// 双方都已加入会话房间
	assert.True(t, e.router.IsMember(room.Conversation(res.Conversation.ID), "alice"))
	assert.True(t, e.router.IsMember(room.Conversation(res.Conversation.ID), "bob"))
}

func TestSend_TranslationFailureDegradesSilently(t *testing.T) {
	e := newEnv(t, nil)
	e.translator.fn = func(text, from, to string) translate.Result {
		return translate.Result{Text: text}
	}

	_, err := e.send("hello", "corr-1")
	require.NoError(t, err)
	e.pool.Shutdown()

	assert.Equal(t, int32(1), e.translator.calls.Load())
	assert.Empty(t, e.bob.named(proto.EventMessageTranslated))
	assert.Empty(t, e.bob.named(proto.EventError))
	assert.Empty(t, e.alice.named(proto.EventError))
	assert.Len(t, e.alice.named(proto.EventMessageSent), 1)
}

func TestSend_SameLanguageSkipsTranslation(t *testing.T) {
	e := newEnv(t, nil)
	chrisConn := &conn{id: "c-chris", identity: "chris"}
	e.router.Subscribe(room.Personal("chris"), chrisConn)

	_, err := e.pipeline.Send(context.Background(), e.alice, SendIntent{
		Sender: alice, RecipientID: "chris", Text: "hi", CorrelationID: "c1",
	})
	require.NoError(t, err)
	e.pool.Shutdown()

	assert.Equal(t, int32(0), e.translator.calls.Load())
	assert.Len(t, chrisConn.named(proto.EventNewMessage), 1)
}

func TestSend_Validation(t *testing.T) {
	tests := []struct {
		name   string
		intent SendIntent
	}{
		{"missing correlation id", SendIntent{Sender: alice, RecipientID: "bob", Text: "hi"}},
		{"empty text", SendIntent{Sender: alice, RecipientID: "bob", Text: "   ", CorrelationID: "c"}},
		{"text too long", SendIntent{Sender: alice, RecipientID: "bob", Text: strings.Repeat("あ", model.MaxTextLength+1), CorrelationID: "c"}},
		{"unknown message type", SendIntent{Sender: alice, RecipientID: "bob", Text: "hi", MessageType: "video", CorrelationID: "c"}},
		{"send to self", SendIntent{Sender: alice, RecipientID: "alice", Text: "hi", CorrelationID: "c"}},
		{"missing recipient", SendIntent{Sender: alice, Text: "hi", CorrelationID: "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, nil)
			res, err := e.pipeline.Send(context.Background(), e.alice, tt.intent)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, 0, e.bob.count())
			assert.Equal(t, 0, e.alice.count())
		})
	}
}

func TestSend_MaxLengthAccepted(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.send(strings.Repeat("あ", model.MaxTextLength), "c1")
	assert.NoError(t, err)
}

func TestSend_RecipientNotFound(t *testing.T) {
	for _, recipient := range []string{"ghost", "eve"} {
		t.Run(recipient, func(t *testing.T) {
			e := newEnv(t, nil)
			res, err := e.pipeline.Send(context.Background(), e.alice, SendIntent{
				Sender: alice, RecipientID: recipient, Text: "hi", CorrelationID: "c1",
			})
			assert.True(t, apperrors.Is(err, apperrors.ErrRecipientNotFound))
			assert.Equal(t, StateFailed, res.State)
			assert.Nil(t, res.Conversation)

			convs, _ := e.mem.ListConversations(context.Background(), "alice")
			assert.Empty(t, convs)
		})
	}
}

// failingStore 消息写入失败
type failingStore struct {
	*store.Memory
}

func (f failingStore) CreateMessage(ctx context.Context, msg *model.NewMessage) (*model.Message, error) {
	return nil, errors.New("disk full")
}

func TestSend_PersistenceFailureNoFanOut(t *testing.T) {
	e := newEnv(t, func(m *store.Memory) store.Store { return failingStore{m} })

	res, err := e.send("hello", "c1")
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
	assert.Equal(t, StateFailed, res.State)
	e.pool.Shutdown()

	assert.Equal(t, 0, e.bob.count())
	assert.Empty(t, e.alice.named(proto.EventMessageSent))
	assert.Equal(t, int32(0), e.translator.calls.Load())
}

func TestSend_ConversationMismatch(t *testing.T) {
	e := newEnv(t, nil)
	other, _, err := e.mem.CreateOrGetConversation(context.Background(), "bob", "chris")
	require.NoError(t, err)

	_, err = e.pipeline.Send(context.Background(), e.alice, SendIntent{
		Sender: alice, RecipientID: "bob", Text: "hi", CorrelationID: "c1", ConversationID: other.ID,
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrAccessDenied))
	assert.Equal(t, 0, e.bob.count())

	convs, err := e.mem.ListConversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSend_UnknownConversationID(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.pipeline.Send(context.Background(), e.alice, SendIntent{
		Sender: alice, RecipientID: "bob", Text: "hi", CorrelationID: "c1", ConversationID: 424242,
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrAccessDenied))

	convs, err := e.mem.ListConversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSend_MatchingConversationID(t *testing.T) {
	e := newEnv(t, nil)
	conv, _, err := e.mem.CreateOrGetConversation(context.Background(), "bob", "alice")
	require.NoError(t, err)

	res, err := e.pipeline.Send(context.Background(), e.alice, SendIntent{
		Sender: alice, RecipientID: "bob", Text: "hi", CorrelationID: "c1", ConversationID: conv.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, res.Conversation.ID)
	assert.False(t, res.Created)
	assert.Equal(t, StateConfirmed, res.State)
}

// saturatedTasks 队列已满的任务池，所有任务都被丢弃
type saturatedTasks struct {
	dropped atomic.Int32
}

func (s *saturatedTasks) TrySubmit(name string, task workerpool.Task) bool {
	s.dropped.Add(1)
	return false
}

func TestSend_SaturatedPoolDoesNotBlock(t *testing.T) {
	e := newEnv(t, nil)
	tasks := &saturatedTasks{}
	pipe := New(e.store, e.router, e.translator, tasks, nil)

	done := make(chan error, 1)
	go func() {
		_, err := pipe.Send(context.Background(), e.alice, SendIntent{
			Sender: alice, RecipientID: "bob", Text: "hello", CorrelationID: "c1",
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked on a saturated task pool")
	}
	assert.Len(t, e.bob.named(proto.EventNewMessage), 1)
	assert.Len(t, e.alice.named(proto.EventMessageSent), 1)
	assert.GreaterOrEqual(t, tasks.dropped.Load(), int32(2))
}

// countingStore 检查后创建的非原子会话存储，用于验证管线的参与者对串行化
type countingStore struct {
	*store.Memory
	mu     sync.Mutex
	known  map[string]bool
	misses atomic.Int32
}

func (c *countingStore) CreateOrGetConversation(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	key := model.PairKey(a, b)
	c.mu.Lock()
	seen := c.known[key]
	c.mu.Unlock()
	if !seen {
		c.misses.Add(1)
		time.Sleep(2 * time.Millisecond)
	}
	conv, created, err := c.Memory.CreateOrGetConversation(ctx, a, b)
	c.mu.Lock()
	c.known[key] = true
	c.mu.Unlock()
	return conv, created, err
}

func TestSend_ConcurrentFirstContactSingleConversation(t *testing.T) {
	var counting *countingStore
	e := newEnv(t, func(m *store.Memory) store.Store {
		counting = &countingStore{Memory: m, known: make(map[string]bool)}
		return counting
	})

	const senders = 20
	ids := make([]int64, senders)
	created := atomic.Int32{}
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to, origin := alice, "bob", e.alice
			if i%2 == 1 {
				from, to, origin = bob, "alice", e.bob
			}
			res, err := e.pipeline.Send(context.Background(), origin, SendIntent{
				Sender: from, RecipientID: to, Text: fmt.Sprintf("m%d", i), CorrelationID: fmt.Sprintf("c%d", i),
			})
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			ids[i] = res.Conversation.ID
			if res.Created {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < senders; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(1), counting.misses.Load())

	msgs, err := e.mem.ListMessages(context.Background(), ids[0], 0)
	require.NoError(t, err)
	assert.Len(t, msgs, senders)
	for i := 1; i < len(msgs); i++ {
		assert.Less(t, msgs[i-1].ID, msgs[i].ID)
	}
	assert.Equal(t, 0, e.pipeline.pairs.Len())
}

func TestSend_TouchesConversation(t *testing.T) {
	e := newEnv(t, nil)

	res, err := e.send("hello", "c1")
	require.NoError(t, err)
	e.pool.Shutdown()

	conv, err := e.mem.FindConversation(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Message.ID, conv.LastMessageID)
}

func TestJoinConversation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	conv, _, err := e.mem.CreateOrGetConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = e.mem.CreateMessage(ctx, &model.NewMessage{ConversationID: conv.ID, SenderID: "alice", Text: "offline", MessageType: model.MessageTypeText})
	require.NoError(t, err)

	_, err = e.pipeline.JoinConversation(ctx, "chris", conv.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrAccessDenied))
	assert.False(t, e.router.IsMember(room.Conversation(conv.ID), "chris"))

	_, err = e.pipeline.JoinConversation(ctx, "bob", 999)
	assert.True(t, apperrors.Is(err, apperrors.ErrAccessDenied))

	joined, err := e.pipeline.JoinConversation(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, joined.ID)
	assert.True(t, e.router.IsMember(room.Conversation(conv.ID), "bob"))

	msgs, err := e.mem.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDelivered)
	assert.NotNil(t, msgs[0].DeliveredAt)
}

func TestJoinAll(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	c1, _, _ := e.mem.CreateOrGetConversation(ctx, "alice", "bob")
	c2, _, _ := e.mem.CreateOrGetConversation(ctx, "alice", "chris")

	convs, err := e.pipeline.JoinAll(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 2)
	assert.True(t, e.router.IsMember(room.Conversation(c1.ID), "alice"))
	assert.True(t, e.router.IsMember(room.Conversation(c2.ID), "alice"))
}

func TestMarkRead(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	res, err := e.send("hello", "c1")
	require.NoError(t, err)
	convID := res.Conversation.ID

	_, err = e.pipeline.MarkRead(ctx, "chris", convID)
	assert.True(t, apperrors.Is(err, apperrors.ErrAccessDenied))
	assert.Empty(t, e.alice.named(proto.EventMessagesRead))

	readAt, err := e.pipeline.MarkRead(ctx, "bob", convID)
	require.NoError(t, err)
	assert.False(t, readAt.IsZero())

	receipts := e.alice.named(proto.EventMessagesRead)
	require.Len(t, receipts, 1)
	var receipt proto.MessagesRead
	require.NoError(t, receipts[0].Decode(&receipt))
	assert.Equal(t, convID, receipt.ConversationID)
	assert.Equal(t, "bob", receipt.ReadBy)
	assert.Empty(t, e.bob.named(proto.EventMessagesRead))

	msgs, err := e.mem.ListMessages(ctx, convID, 0)
	require.NoError(t, err)
	assert.True(t, msgs[0].IsRead)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "received", StateReceived.String())
	assert.Equal(t, "translations_dispatched", StateTranslationsDispatched.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
