package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
	"github.com/zhouzirui/z-voice/backend/internal/model/speech"
	"github.com/zhouzirui/z-voice/backend/internal/service/ai"
	chatsvc "github.com/zhouzirui/z-voice/backend/internal/service/chat"
	"github.com/zhouzirui/z-voice/backend/internal/service/pipeline"
	"github.com/zhouzirui/z-voice/backend/internal/service/session"
)

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, nil
}

type fakeResponder struct{}

func (fakeResponder) Respond(_ context.Context, _ []ai.Message, utterance string) (*ai.Reply, error) {
	return &ai.Reply{Text: "echo: " + utterance}, nil
}

// failingSynth 前 failures 次调用返回上游不可用
type failingSynth struct {
	mu       sync.Mutex
	failures int
}

func (f *failingSynth) Synthesize(_ context.Context, req speech.SynthesisRequest) (*speech.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "tts", "tts backend unreachable")
	}
	return &speech.Audio{Data: []byte("audio:" + req.Text), Format: "mp3", SampleRate: 24000}, nil
}

type harness struct {
	server   *httptest.Server
	store    *chatsvc.MemoryStore
	registry *session.MemoryRegistry
	synth    *failingSynth
}

func newHarness(t *testing.T, transcript string) *harness {
	t.Helper()
	h := &harness{
		store:    chatsvc.NewMemoryStore(),
		registry: session.NewMemoryRegistry(),
		synth:    &failingSynth{},
	}
	handler := New(Options{
		Agents:        agent.NewMemoryStore(agent.Seed()),
		Conversations: h.store,
		Registry:      h.registry,
		Responders: func(context.Context, agent.Config) (pipeline.Responder, error) {
			return fakeResponder{}, nil
		},
		Transcriber: fakeTranscriber{text: transcript},
		Synthesizer: h.synth,
	}, nil)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	h.server = httptest.NewServer(r)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) url(path string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + path
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.url(path), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType, "expected text frame, got %q", data)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func readAudio(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType, "expected audio frame, got %q", data)
	return data
}

func TestStreamCompletesTurn(t *testing.T) {
	h := newHarness(t, "what time is it")
	conn := h.dial(t, "/agents/stella/stream?session_id=s-1&events=true")

	ready := readFrame(t, conn)
	assert.Equal(t, "ready", ready.Type)
	assert.Equal(t, "s-1", ready.SessionID)
	require.NotEmpty(t, ready.ConversationID)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))

	user := readFrame(t, conn)
	assert.Equal(t, frame{Type: "transcript", Role: "user", Text: "what time is it"}, user)
	assistant := readFrame(t, conn)
	assert.Equal(t, frame{Type: "transcript", Role: "assistant", Text: "echo: what time is it"}, assistant)
	assert.Equal(t, []byte("audio:echo: what time is it"), readAudio(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool {
		conv, err := h.store.GetConversation(context.Background(), ready.ConversationID)
		return err == nil && conv.Status == chat.ConversationEnded
	}, 5*time.Second, 20*time.Millisecond)

	messages, err := h.store.ListMessages(context.Background(), ready.ConversationID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, chat.RoleUser, messages[0].Role)
	assert.Equal(t, "echo: what time is it", messages[1].Content)

	require.Eventually(t, func() bool {
		live, _ := h.registry.List(context.Background(), "")
		return len(live) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStreamSynthesisFailureKeepsSession(t *testing.T) {
	h := newHarness(t, "hello")
	h.synth.failures = 1
	conn := h.dial(t, "/agents/stella/stream?ephemeral=true")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	failed := readFrame(t, conn)
	assert.Equal(t, "error", failed.Type)
	assert.Equal(t, string(apperr.KindUpstreamUnavailable), failed.Kind)
	assert.Equal(t, "tts backend unreachable", failed.Error)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	assert.Equal(t, []byte("audio:echo: hello"), readAudio(t, conn))
}

func TestStreamEmptyInputSendsNothing(t *testing.T) {
	h := newHarness(t, "   ")
	conn := h.dial(t, "/agents/stella/stream?ephemeral=true&events=true")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	// 空输入不产生任何帧，下一帧就是 pong
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestStreamIgnoresUnknownControlFrames(t *testing.T) {
	h := newHarness(t, "hello")
	conn := h.dial(t, "/agents/stella/stream?ephemeral=true")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestStreamEphemeralSkipsPersistence(t *testing.T) {
	h := newHarness(t, "hello")
	conn := h.dial(t, "/agents/stella/stream?session_id=tmp&ephemeral=true")
	ready := readFrame(t, conn)
	assert.Empty(t, ready.ConversationID)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	readAudio(t, conn)

	_, err := h.store.FindConversationBySession(context.Background(), "tmp")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestStreamReusesConversationForSession(t *testing.T) {
	h := newHarness(t, "again")
	conv, err := h.store.CreateConversation(context.Background(), chat.Conversation{SessionID: "resume", AgentID: "stella"})
	require.NoError(t, err)

	conn := h.dial(t, "/agents/stella/stream?session_id=resume")
	assert.Equal(t, conv.ID, readFrame(t, conn).ConversationID)
}

func TestStreamRejectsBeforeUpgrade(t *testing.T) {
	h := newHarness(t, "hello")
	_, err := h.store.CreateConversation(context.Background(), chat.Conversation{SessionID: "bound", AgentID: "concierge"})
	require.NoError(t, err)
	require.NoError(t, h.registry.Claim(context.Background(), chat.Session{ID: "taken", AgentID: "stella"}))

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown agent", "/agents/ghost/stream", http.StatusNotFound},
		{"live session", "/agents/stella/stream?session_id=taken", http.StatusConflict},
		{"session bound to other agent", "/agents/stella/stream?session_id=bound", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(h.url(tt.path), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	// 绑定失败的会话不能残留在注册表中
	live, err := h.registry.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "taken", live[0].ID)
}

func TestStreamAbruptDisconnectMarksConversationError(t *testing.T) {
	h := newHarness(t, "hello")
	conn := h.dial(t, "/agents/stella/stream?session_id=drop")
	ready := readFrame(t, conn)

	// 不发送关闭帧直接断开底层连接
	require.NoError(t, conn.UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		got, err := h.store.GetConversation(context.Background(), ready.ConversationID)
		return err == nil && got.Status == chat.ConversationError
	}, 5*time.Second, 20*time.Millisecond)
}

// runTurn 发送一帧音频并读取回复音频
func runTurn(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	readAudio(t, conn)
}

func (h *harness) waitEnded(t *testing.T, conversationID string) chat.Conversation {
	t.Helper()
	var conv chat.Conversation
	require.Eventually(t, func() bool {
		var err error
		conv, err = h.store.GetConversation(context.Background(), conversationID)
		return err == nil && conv.Status == chat.ConversationEnded
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		live, _ := h.registry.List(context.Background(), "")
		return len(live) == 0
	}, 5*time.Second, 20*time.Millisecond)
	return conv
}

func closeNormally(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
}

func TestStreamReconnectAfterEndReopensConversation(t *testing.T) {
	h := newHarness(t, "hello")

	first := h.dial(t, "/agents/stella/stream?session_id=again")
	ready := readFrame(t, first)
	runTurn(t, first)
	closeNormally(t, first)
	ended := h.waitEnded(t, ready.ConversationID)
	require.NotNil(t, ended.EndedAt)

	second := h.dial(t, "/agents/stella/stream?session_id=again")
	resumed := readFrame(t, second)
	assert.Equal(t, ready.ConversationID, resumed.ConversationID)

	live, err := h.store.GetConversation(context.Background(), ready.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, chat.ConversationActive, live.Status)
	assert.Nil(t, live.EndedAt)

	runTurn(t, second)
	closeNormally(t, second)
	final := h.waitEnded(t, ready.ConversationID)
	require.NotNil(t, final.EndedAt)
	assert.True(t, final.EndedAt.After(*ended.EndedAt), "ended_at must describe the latest connection")

	messages, err := h.store.ListMessages(context.Background(), ready.ConversationID)
	require.NoError(t, err)
	assert.Len(t, messages, 4)
}

// upgradePair 返回服务端连接与客户端连接
func upgradePair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-serverSide:
		t.Cleanup(func() { conn.Close() })
		return conn, client
	case <-time.After(5 * time.Second):
		t.Fatal("server never upgraded")
		return nil, nil
	}
}

func TestHandleAudioRelaysClosedPipeline(t *testing.T) {
	serverConn, client := upgradePair(t)

	p, err := pipeline.New(context.Background(), chat.Session{ID: "closing", AgentID: "stella"}, agent.Seed()[0], pipeline.Deps{
		Transcriber: fakeTranscriber{text: "hello"},
		Responder:   fakeResponder{},
		Synthesizer: &failingSynth{},
	})
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background(), nil))

	core, logs := observer.New(zap.WarnLevel)
	s := &streamSession{conn: serverConn, pipeline: p, logger: zap.New(core)}

	err = s.handleAudio(context.Background(), []byte{1})
	require.ErrorIs(t, err, pipeline.ErrPipelineClosed)
	relayed := readFrame(t, client)
	assert.Equal(t, "error", relayed.Type)
	assert.Equal(t, pipeline.ErrPipelineClosed.Error(), relayed.Error)
	assert.Zero(t, logs.Len())

	// 连接已断开时写失败只记录日志，仍以管线关闭结束会话
	require.NoError(t, serverConn.Close())
	err = s.handleAudio(context.Background(), []byte{1})
	require.ErrorIs(t, err, pipeline.ErrPipelineClosed)
	assert.Equal(t, 1, logs.FilterMessage("relay pipeline closed failed").Len())
}
