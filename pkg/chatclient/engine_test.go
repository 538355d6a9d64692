package chatclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/proto"
)

const convID int64 = 100

func canonical(id int64, sender, text string) proto.MessagePayload {
	return proto.MessagePayload{
		ID:             id,
		ConversationID: convID,
		Sender:         model.Sender{ID: sender, Name: sender},
		OriginalText:   text,
		DisplayText:    text,
		MessageType:    model.MessageTypeText,
		IsDelivered:    true,
	}
}

func texts(log []Entry) []string {
	out := make([]string, len(log))
	for i, e := range log {
		out[i] = e.Message.DisplayText
	}
	return out
}

func TestEngine_ConfirmReplacesInPlace(t *testing.T) {
	e := NewEngine("alice", 0)
	now := time.Now()

	e.Send("bob", "first", "", "c1", now)
	e.Send("bob", "second", "", "c2", now)

	log := e.Log("bob")
	require.Len(t, log, 2)
	assert.Equal(t, StateOptimistic, log[0].State)
	assert.False(t, log[0].Message.IsDelivered)

	assert.True(t, e.Confirm(proto.MessageSent{CorrelationID: "c2", Message: canonical(20, "alice", "second")}))
	assert.True(t, e.Confirm(proto.MessageSent{CorrelationID: "c1", Message: canonical(10, "alice", "first")}))

	log = e.Log("bob")
	require.Len(t, log, 2)
	assert.Equal(t, []string{"first", "second"}, texts(log))
	assert.Equal(t, int64(10), log[0].Message.ID)
	assert.Equal(t, StateConfirmed, log[0].State)
	assert.Equal(t, "c1", log[0].CorrelationID)
	assert.Equal(t, int64(20), log[1].Message.ID)
}

func TestEngine_ConfirmExactlyOnce(t *testing.T) {
	e := NewEngine("alice", 0)
	e.Send("bob", "hi", "", "c1", time.Now())

	sent := proto.MessageSent{CorrelationID: "c1", Message: canonical(10, "alice", "hi")}
	assert.True(t, e.Confirm(sent))
	assert.False(t, e.Confirm(sent))

	// 自己消息的扇出回显被丢弃
	assert.False(t, e.Receive(canonical(10, "alice", "hi")))

	assert.Len(t, e.Log("bob"), 1)
}

func TestEngine_IdenticalTextsAreDistinct(t *testing.T) {
	e := NewEngine("alice", 0)
	now := time.Now()
	e.Send("bob", "ok", "", "c1", now)
	e.Send("bob", "ok", "", "c2", now)

	e.Confirm(proto.MessageSent{CorrelationID: "c1", Message: canonical(10, "alice", "ok")})
	e.Confirm(proto.MessageSent{CorrelationID: "c2", Message: canonical(11, "alice", "ok")})

	log := e.Log("bob")
	require.Len(t, log, 2)
	assert.Equal(t, int64(10), log[0].Message.ID)
	assert.Equal(t, int64(11), log[1].Message.ID)
}

func TestEngine_ReceiveOrderingAndDedupe(t *testing.T) {
	e := NewEngine("alice", 0)

	assert.True(t, e.Receive(canonical(30, "bob", "c")))
	assert.True(t, e.Receive(canonical(10, "bob", "a")))
	assert.True(t, e.Receive(canonical(20, "bob", "b")))
	assert.False(t, e.Receive(canonical(20, "bob", "b")))

	assert.Equal(t, []string{"a", "b", "c"}, texts(e.Log("bob")))
}

func TestEngine_ReorderOnConfirmKeepsCanonicalOrder(t *testing.T) {
	e := NewEngine("alice", 0)

	e.Receive(canonical(10, "bob", "hello"))
	e.Send("bob", "mine", "", "c1", time.Now())
	// 对方消息在服务端晚于本地乐观消息创建，但先到达
	e.Receive(canonical(30, "bob", "late"))
	assert.Equal(t, []string{"hello", "mine", "late"}, texts(e.Log("bob")))

	e.Confirm(proto.MessageSent{CorrelationID: "c1", Message: canonical(20, "alice", "mine")})
	assert.Equal(t, []string{"hello", "mine", "late"}, texts(e.Log("bob")))

	// 乐观消息被服务端排在后面时移动到规范位置
	e.Send("bob", "slow", "", "c2", time.Now())
	e.Receive(canonical(50, "bob", "fast"))
	e.Confirm(proto.MessageSent{CorrelationID: "c2", Message: canonical(60, "alice", "slow")})
	assert.Equal(t, []string{"hello", "mine", "late", "fast", "slow"}, texts(e.Log("bob")))
}

func TestEngine_ProvisionalNeverReordered(t *testing.T) {
	e := NewEngine("alice", 0)
	now := time.Now()

	e.Send("bob", "p1", "", "c1", now)
	e.Send("bob", "p2", "", "c2", now)
	e.Receive(canonical(10, "bob", "x"))
	e.Send("bob", "p3", "", "c3", now)

	var provisional []string
	for _, entry := range e.Log("bob") {
		if entry.State != StateConfirmed {
			provisional = append(provisional, entry.Message.DisplayText)
		}
	}
	assert.Equal(t, []string{"p1", "p2", "p3"}, provisional)
}

func TestEngine_TranslationOverlay(t *testing.T) {
	e := NewEngine("bob", 0)

	msg := canonical(10, "alice", "hello")
	e.Receive(msg)
	assert.True(t, e.ApplyTranslation(msg.Translated("नमस्ते")))

	log := e.Log("alice")
	require.Len(t, log, 1)
	assert.Equal(t, "नमस्ते", log[0].Message.DisplayText)
	assert.Equal(t, "hello", log[0].Message.OriginalText)
	assert.True(t, log[0].Message.IsTranslated)
}

func TestEngine_TranslationBeforeOriginal(t *testing.T) {
	e := NewEngine("bob", 0)

	msg := canonical(10, "alice", "hello")
	assert.False(t, e.ApplyTranslation(msg.Translated("hola")))
	assert.Empty(t, e.Log("alice"))

	e.Receive(msg)
	log := e.Log("alice")
	require.Len(t, log, 1)
	assert.Equal(t, "hola", log[0].Message.DisplayText)
	assert.True(t, log[0].Message.IsTranslated)
}

func TestEngine_StashedTranslationExpires(t *testing.T) {
	e := NewEngine("bob", 0)
	start := time.Now()
	e.now = func() time.Time { return start }

	e.ApplyTranslation(canonical(10, "alice", "hello").Translated("hola"))
	assert.Equal(t, 1, e.PendingTranslations())

	e.Sweep(start.Add(StashedTranslationTTL - time.Second))
	assert.Equal(t, 1, e.PendingTranslations())

	e.Sweep(start.Add(StashedTranslationTTL))
	assert.Equal(t, 0, e.PendingTranslations())

	e.Receive(canonical(10, "alice", "hello"))
	log := e.Log("alice")
	require.Len(t, log, 1)
	assert.Equal(t, "hello", log[0].Message.DisplayText)
	assert.False(t, log[0].Message.IsTranslated)
}

func TestEngine_StashedTranslationsBounded(t *testing.T) {
	e := NewEngine("bob", 0)
	start := time.Now()
	tick := 0
	e.now = func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Millisecond)
	}

	for i := 1; i <= MaxStashedTranslations+10; i++ {
		e.ApplyTranslation(canonical(int64(i), "alice", "hello").Translated("hola"))
	}
	assert.Equal(t, MaxStashedTranslations, e.PendingTranslations())

	// 最早的暂存已被淘汰，最新的仍然可用
	e.Receive(canonical(1, "alice", "hello"))
	e.Receive(canonical(int64(MaxStashedTranslations+10), "alice", "hello"))
	log := e.Log("alice")
	require.Len(t, log, 2)
	assert.False(t, log[0].Message.IsTranslated)
	assert.True(t, log[1].Message.IsTranslated)
}

func TestEngine_UntranslatedKeepsOriginal(t *testing.T) {
	e := NewEngine("bob", 0)
	e.Receive(canonical(10, "alice", "hello"))

	log := e.Log("alice")
	assert.Equal(t, "hello", log[0].Message.DisplayText)
	assert.False(t, log[0].Message.IsTranslated)
}

func TestEngine_SweepAssumesDelivered(t *testing.T) {
	e := NewEngine("alice", 3*time.Second)
	start := time.Now()
	e.Send("bob", "hi", "", "c1", start)

	assert.Equal(t, 0, e.Sweep(start.Add(2*time.Second)))
	assert.Equal(t, 1, e.Sweep(start.Add(3*time.Second)))
	assert.Equal(t, 0, e.Sweep(start.Add(10*time.Second)))

	log := e.Log("bob")
	require.Len(t, log, 1)
	assert.Equal(t, StateAssumedDelivered, log[0].State)
	assert.True(t, log[0].Message.IsDelivered)

	// 迟到的确认仍然原位替换
	assert.True(t, e.Confirm(proto.MessageSent{CorrelationID: "c1", Message: canonical(10, "alice", "hi")}))
	log = e.Log("bob")
	require.Len(t, log, 1)
	assert.Equal(t, StateConfirmed, log[0].State)
}

func TestEngine_ApplyRead(t *testing.T) {
	e := NewEngine("alice", 0)
	e.Send("bob", "one", "", "c1", time.Now())
	e.Confirm(proto.MessageSent{CorrelationID: "c1", Message: canonical(10, "alice", "one")})
	e.Receive(canonical(20, "bob", "two"))

	readAt := time.Now()
	assert.Equal(t, 0, e.ApplyRead(proto.MessagesRead{ConversationID: convID, ReadBy: "alice", ReadAt: readAt}))
	assert.Equal(t, 1, e.ApplyRead(proto.MessagesRead{ConversationID: convID, ReadBy: "bob", ReadAt: readAt}))
	assert.Equal(t, 0, e.ApplyRead(proto.MessagesRead{ConversationID: 999, ReadBy: "bob", ReadAt: readAt}))

	log := e.Log("bob")
	assert.True(t, log[0].Message.IsRead)
	assert.NotNil(t, log[0].Message.ReadAt)
	assert.False(t, log[1].Message.IsRead)
}

func TestLocalState_String(t *testing.T) {
	assert.Equal(t, "optimistic", StateOptimistic.String())
	assert.Equal(t, "assumed_delivered", StateAssumedDelivered.String())
	assert.Equal(t, "confirmed", StateConfirmed.String())
}
