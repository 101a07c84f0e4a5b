// Package live maintains a bidirectional voice session with the Gemini Live
// API over a WebSocket, speaking the BidiGenerateContent protocol.
//
// Microphone audio goes up as base64-encoded PCM chunks; synthesized speech,
// tool invocations and transcriptions come back through the [Callbacks]
// registered at dial time. Callbacks fire sequentially from the receive
// goroutine, so within one server message audio is always delivered before
// the tool calls it accompanies.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultModel is the native-audio live model used when Config.Model is
	// empty.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when Config.Voice is empty.
	DefaultVoice = "Kore"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// inputMIMEType declares the upstream audio format: 16 kHz s16le mono.
	inputMIMEType = "audio/pcm;rate=16000"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	defaultGreetingDelay = time.Second
)

// DefaultGreeting is the text turn sent shortly after the session opens so
// the model speaks first.
const DefaultGreeting = "Session started. Please introduce yourself warmly."

// ToolDefinition declares one function the model may call during the session.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// Callbacks receive session events. All fields are optional. Callbacks fire
// sequentially from a single goroutine and must not block for long; a slow
// callback stalls the whole receive path.
type Callbacks struct {
	// OnOpen fires once the setup message has been accepted and the session
	// is ready for audio.
	OnOpen func()

	// OnClose fires exactly once when the session ends. userInitiated is
	// true when Close was called locally; err carries the transport error
	// on a remote or failed close, nil otherwise.
	OnClose func(err error, userInitiated bool)

	// OnAudio receives raw 24 kHz s16le mono PCM synthesized by the model.
	OnAudio func(pcm []byte)

	// OnToolCalls receives the function invocations of one server message.
	OnToolCalls func(calls []ToolCall)

	// OnInterrupted fires when the model reports the user barged in over
	// its speech. Queued playback should stop immediately.
	OnInterrupted func()

	// OnTurnComplete fires when the model finishes a response turn.
	OnTurnComplete func()

	// OnInputTranscript and OnOutputTranscript receive incremental
	// recognition of the user's speech and the model's speech.
	OnInputTranscript  func(text string)
	OnOutputTranscript func(text string)

	// OnError receives in-band error messages from the server. These do not
	// necessarily terminate the session.
	OnError func(err error)
}

// Config describes one session.
type Config struct {
	// APIKey authenticates against the live endpoint. Required.
	APIKey string

	// Model overrides DefaultModel.
	Model string

	// BaseURL overrides the production WebSocket endpoint. Primarily used
	// in tests to point at a local server.
	BaseURL string

	// Voice overrides DefaultVoice.
	Voice string

	// SystemInstruction is the session-wide system prompt.
	SystemInstruction string

	// Tools are the function declarations offered to the model. The live
	// protocol fixes them at setup; they cannot change mid-session.
	Tools []ToolDefinition

	// Greeting is a text turn sent GreetingDelay after the session opens,
	// prompting the model to speak first. Empty uses DefaultGreeting;
	// DisableGreeting suppresses it entirely.
	Greeting        string
	GreetingDelay   time.Duration
	DisableGreeting bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Model == "" {
		out.Model = DefaultModel
	}
	if out.Voice == "" {
		out.Voice = DefaultVoice
	}
	if out.BaseURL == "" {
		out.BaseURL = defaultBaseURL
	}
	if out.Greeting == "" {
		out.Greeting = DefaultGreeting
	}
	if out.GreetingDelay <= 0 {
		out.GreetingDelay = defaultGreetingDelay
	}
	return out
}

// Session is one live connection. All methods are safe for concurrent use.
type Session struct {
	conn *websocket.Conn
	cb   Callbacks

	mu         sync.Mutex
	closed     bool
	userClosed bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	notifyEnd sync.Once

	greetTimer *time.Timer
}

// Dial connects, sends the setup message and starts the receive loop. The
// returned session accepts audio immediately.
func Dial(ctx context.Context, cfg Config, cb Callbacks) (*Session, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("live: api key must not be empty")
	}
	cfg = cfg.withDefaults()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		cfg.BaseURL, cfg.APIKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		cb:     cb,
		ctx:    sessCtx,
		cancel: sessCancel,
		done:   make(chan struct{}),
	}

	if err := s.sendSetup(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("live: setup: %w", err)
	}

	if s.cb.OnOpen != nil {
		s.cb.OnOpen()
	}

	if !cfg.DisableGreeting {
		greeting := cfg.Greeting
		// The guard matters: the session may close during the delay, and a
		// greeting must never go out on a closed session.
		s.greetTimer = time.AfterFunc(cfg.GreetingDelay, func() {
			if s.isClosed() {
				return
			}
			_ = s.SendText(greeting)
		})
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

func (s *Session) sendSetup(cfg Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", cfg.Model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
					},
				},
			},
		},
	}

	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []toolList{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them in
// arrival order. It owns the OnClose notification.
func (s *Session) receiveLoop() {
	var readErr error
	defer func() { s.finish(readErr) }()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			readErr = err
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *Session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		s.handleError(msg.Error)
	}
	// ServerContent before ToolCall: when audio and a tool invocation share
	// a message, the speech that announces the action plays first.
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
}

func (s *Session) handleError(se *serverError) {
	if s.cb.OnError == nil {
		return
	}
	msg := "unknown error"
	if se.Message != "" {
		msg = se.Message
	}
	s.cb.OnError(fmt.Errorf("live: server error: %s", msg))
}

func (s *Session) handleServerContent(sc *serverContent) {
	if sc.Interrupted && s.cb.OnInterrupted != nil {
		s.cb.OnInterrupted()
	}

	if sc.ModelTurn != nil && s.cb.OnAudio != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue // drop the chunk, keep the session
			}
			s.cb.OnAudio(pcm)
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" &&
		s.cb.OnInputTranscript != nil {
		s.cb.OnInputTranscript(sc.InputTranscription.Text)
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" &&
		s.cb.OnOutputTranscript != nil {
		s.cb.OnOutputTranscript(sc.OutputTranscription.Text)
	}

	if sc.TurnComplete && s.cb.OnTurnComplete != nil {
		s.cb.OnTurnComplete()
	}
}

func (s *Session) handleToolCall(tc *toolCallMsg) {
	if s.cb.OnToolCalls == nil || len(tc.FunctionCalls) == 0 {
		return
	}
	calls := make([]ToolCall, len(tc.FunctionCalls))
	for i, fc := range tc.FunctionCalls {
		calls[i] = ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
	}
	s.cb.OnToolCalls(calls)
}

// keepaliveLoop sends WebSocket pings to keep the connection alive through
// idle stretches of a conversation.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// SendAudio delivers one raw PCM chunk (16 kHz, s16le, mono) to the model.
// Chunks arriving after the session closed are dropped without error: the
// capture pipeline races the close and stale frames are expected.
func (s *Session) SendAudio(pcm []byte) error {
	if s.isClosed() {
		return nil
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: inputMIMEType, Data: base64.StdEncoding.EncodeToString(pcm)},
			},
		},
	}
	return s.writeJSON(msg)
}

// SendText injects a user text turn, marking the turn complete so the model
// responds immediately.
func (s *Session) SendText(text string) error {
	if s.isClosed() {
		return fmt.Errorf("live: session closed")
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// SendToolResponse answers earlier tool calls. Responses for a session that
// already closed are dropped silently: the model no longer waits for them.
func (s *Session) SendToolResponse(results ...ToolResult) error {
	if len(results) == 0 {
		return nil
	}
	if s.isClosed() {
		return nil
	}
	resps := make([]functionResponse, len(results))
	for i, r := range results {
		resps[i] = functionResponse{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	msg := toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: resps},
	}
	return s.writeJSON(msg)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// finish marks the session closed and fires OnClose exactly once, from
// whichever path ended the session.
func (s *Session) finish(err error) {
	s.notifyEnd.Do(func() {
		s.mu.Lock()
		s.closed = true
		user := s.userClosed
		s.mu.Unlock()

		if s.greetTimer != nil {
			s.greetTimer.Stop()
		}
		s.cancel()
		if s.cb.OnClose != nil {
			s.cb.OnClose(err, user)
		}
	})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.userClosed = true
	s.mu.Unlock()

	if s.greetTimer != nil {
		s.greetTimer.Stop()
	}
	s.closeOnce.Do(func() { close(s.done) })
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.finish(nil)
	return nil
}
