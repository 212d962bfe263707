package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/lead-relay/backend/internal/config"
)

const (
	writeWait       = 10 * time.Second
	messageBufferSz = 64
)

// VoiceKind tags a decoded vendor voice message.
type VoiceKind string

const (
	KindTranscript         VoiceKind = "transcript"
	KindConversationUpdate VoiceKind = "conversation-update"
	KindStatusUpdate       VoiceKind = "status-update"
	KindError              VoiceKind = "error"
	KindText               VoiceKind = "text"
	KindAudio              VoiceKind = "audio"
)

// StatusEnded is the status-update value that terminates a call.
const StatusEnded = "ended"

// ConversationTurn is one entry of a conversation-update.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// VoiceMessage is a vendor message decoded at the stream boundary. Only the
// fields belonging to Kind are populated; Raw keeps the vendor JSON.
type VoiceMessage struct {
	Kind VoiceKind

	// transcript
	Role    string
	Final   bool
	Content string

	// conversation-update
	Conversation []ConversationTurn

	// status-update
	Status      string
	EndedReason string

	// error
	Error string

	// text
	Metadata map[string]any

	// audio
	Audio []byte

	Raw json.RawMessage
}

// LastAssistant returns the trailing assistant turn of a conversation-update.
func (m VoiceMessage) LastAssistant() (string, bool) {
	if n := len(m.Conversation); n > 0 && m.Conversation[n-1].Role == "assistant" {
		return m.Conversation[n-1].Content, true
	}
	return "", false
}

// Ended reports whether the message terminates the call.
func (m VoiceMessage) Ended() bool {
	return m.Kind == KindStatusUpdate && m.Status == StatusEnded
}

type vapiWire struct {
	Type           string             `json:"type"`
	Role           string             `json:"role"`
	TranscriptType string             `json:"transcriptType"`
	Transcript     string             `json:"transcript"`
	Conversation   []ConversationTurn `json:"conversation"`
	Status         string             `json:"status"`
	EndedReason    string             `json:"endedReason"`
	Error          json.RawMessage    `json:"error"`
	Text           string             `json:"text"`
	Metadata       map[string]any     `json:"metadata"`
}

// DecodeVoiceMessage validates one vendor text frame.
func DecodeVoiceMessage(data []byte) (VoiceMessage, error) {
	var wire vapiWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return VoiceMessage{}, fmt.Errorf("decode vapi message: %w", err)
	}

	msg := VoiceMessage{Raw: json.RawMessage(append([]byte(nil), data...))}
	if errText := errorText(wire.Error); errText != "" {
		msg.Kind = KindError
		msg.Error = errText
		return msg, nil
	}

	switch wire.Type {
	case "transcript":
		msg.Kind = KindTranscript
		msg.Role = wire.Role
		msg.Final = wire.TranscriptType == "final"
		msg.Content = wire.Transcript
	case "conversation-update":
		msg.Kind = KindConversationUpdate
		msg.Conversation = wire.Conversation
	case "status-update":
		msg.Kind = KindStatusUpdate
		msg.Status = wire.Status
		msg.EndedReason = wire.EndedReason
	default:
		msg.Kind = KindText
		msg.Content = wire.Text
		msg.Metadata = wire.Metadata
	}
	return msg, nil
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// VoiceStream is a live bidirectional connection to the voice vendor.
type VoiceStream interface {
	SendAudio(data []byte) error
	SendText(data []byte) error
	// Messages is closed once the stream stops reading.
	Messages() <-chan VoiceMessage
	// Err is the reason the stream stopped, nil after a local Close.
	Err() error
	Done() <-chan struct{}
	Close() error
}

// VapiDialer opens vendor voice streams.
type VapiDialer struct {
	cfg    config.VapiConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewVapiDialer builds a dialer from configuration.
func NewVapiDialer(cfg config.VapiConfig, logger *zap.Logger) *VapiDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VapiDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: logger.Named("vapi"),
	}
}

// Configured reports whether an API key is present.
func (d *VapiDialer) Configured() bool {
	return d.cfg.Enabled()
}

// AssistantID is the configured assistant.
func (d *VapiDialer) AssistantID() string {
	return d.cfg.AssistantID
}

// StreamURL is the vendor websocket endpoint.
func (d *VapiDialer) StreamURL() string {
	return d.cfg.StreamURL
}

// Dial connects to the vendor and starts reading.
func (d *VapiDialer) Dial(ctx context.Context, sessionID string) (VoiceStream, error) {
	if !d.Configured() {
		return nil, &ConfigurationError{Vendor: VendorVapi, Missing: []string{"VAPI_API_KEY"}}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	header.Set("X-Assistant-ID", d.cfg.AssistantID)

	conn, resp, err := d.dialer.DialContext(ctx, d.cfg.StreamURL, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		vendorErr := &VendorError{Vendor: VendorVapi, Message: "dial failed", Err: err}
		if resp != nil {
			vendorErr.Status = resp.StatusCode
		}
		return nil, vendorErr
	}

	d.logger.Info("vendor stream connected", zap.String("sessionId", sessionID))
	return newVapiStream(conn, d.cfg, d.logger.With(zap.String("sessionId", sessionID))), nil
}

type vapiStream struct {
	conn   *websocket.Conn
	cfg    config.VapiConfig
	logger *zap.Logger

	writeMu  sync.Mutex
	messages chan VoiceMessage
	closing  chan struct{}
	finished chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newVapiStream(conn *websocket.Conn, cfg config.VapiConfig, logger *zap.Logger) *vapiStream {
	s := &vapiStream{
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		messages: make(chan VoiceMessage, messageBufferSz),
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
	}

	if cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}

	go s.readLoop()
	if cfg.PingInterval > 0 {
		go s.pingLoop()
	}
	return s
}

func (s *vapiStream) Messages() <-chan VoiceMessage { return s.messages }

func (s *vapiStream) Done() <-chan struct{} { return s.finished }

func (s *vapiStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *vapiStream) SendAudio(data []byte) error {
	return s.write(websocket.BinaryMessage, data)
}

func (s *vapiStream) SendText(data []byte) error {
	return s.write(websocket.TextMessage, data)
}

func (s *vapiStream) write(messageType int, data []byte) error {
	select {
	case <-s.closing:
		return ErrStreamClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return &TransportError{Vendor: VendorVapi, Err: err}
	}
	return nil
}

func (s *vapiStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	<-s.finished
	return err
}

func (s *vapiStream) readLoop() {
	defer close(s.finished)
	defer close(s.messages)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}

		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		var msg VoiceMessage
		if messageType == websocket.BinaryMessage {
			msg = VoiceMessage{Kind: KindAudio, Audio: data}
		} else {
			msg, err = DecodeVoiceMessage(data)
			if err != nil {
				s.logger.Warn("undecodable vendor message", zap.Error(err))
				msg = VoiceMessage{Kind: KindError, Error: "Invalid message format", Raw: json.RawMessage(data)}
				if !json.Valid(data) {
					msg.Raw = nil
				}
			}
		}

		select {
		case s.messages <- msg:
		case <-s.closing:
			return
		}
	}
}

func (s *vapiStream) fail(err error) {
	select {
	case <-s.closing:
		return
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.logger.Info("vendor closed stream")
		return
	}

	s.errMu.Lock()
	s.err = &TransportError{Vendor: VendorVapi, Err: err}
	s.errMu.Unlock()
	s.logger.Warn("vendor stream dropped", zap.Error(err))
}

func (s *vapiStream) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.finished:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug("ping failed", zap.Error(err))
				}
				return
			}
		}
	}
}
