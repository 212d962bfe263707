package voice

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/conversation"
	"github.com/zhouzirui/lead-relay/backend/internal/service/relay"
	"github.com/zhouzirui/lead-relay/backend/pkg/utils"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
	noticeBuffer = 8
)

var (
	errClientClosed = errors.New("caller closed the connection")
	errStreamEnded  = errors.New("voice stream ended")
)

// Conversation opens orchestrated voice sessions.
type Conversation interface {
	OpenVoice(ctx context.Context, sessionID string) (*conversation.VoiceSession, error)
}

// Vendor reports the voice vendor configuration.
type Vendor interface {
	VoiceConfigured() bool
	AssistantID() string
}

// Options tune the caller-facing websocket.
type Options struct {
	// PublicBaseURL overrides the host used to build streamUrl.
	PublicBaseURL string
	PingInterval  time.Duration
	ReadTimeout   time.Duration
}

// Handler 语音中继处理器
type Handler struct {
	conv     Conversation
	vendor   Vendor
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New 创建语音处理器
func New(conv Conversation, vendor Vendor, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	return &Handler{
		conv:   conv,
		vendor: vendor,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.Named("voice"),
	}
}

// RegisterRoutes 注册语音路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/voice/init", h.handleInit)
	r.Get("/voice/ws", h.handleStream)
}

// RegisterLegacyRoutes keeps the paths used by the existing web client.
func (h *Handler) RegisterLegacyRoutes(r chi.Router) {
	r.Post("/vapi/voice", h.handleLegacyInit)
	r.Get("/vapi/voice/ws", h.handleStream)
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	h.serveInit(w, r, false)
}

// handleLegacyInit also reports the stream address as wsUrl.
func (h *Handler) handleLegacyInit(w http.ResponseWriter, r *http.Request) {
	h.serveInit(w, r, true)
}

func (h *Handler) serveInit(w http.ResponseWriter, r *http.Request, legacy bool) {
	if !h.vendor.VoiceConfigured() {
		utils.RespondError(w, http.StatusInternalServerError, "Vapi API key not configured")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	out := relaymodel.VoiceInit{
		StreamURL:   h.streamURL(r, sessionID),
		AssistantID: h.vendor.AssistantID(),
	}
	if legacy {
		out.WSURL = out.StreamURL
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

// streamURL builds the websocket address the caller should dial.
func (h *Handler) streamURL(r *http.Request, sessionID string) string {
	u := url.URL{Scheme: "ws", Host: r.Host}
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		u.Scheme = "wss"
	}
	if base, err := url.Parse(h.opts.PublicBaseURL); err == nil && base.Host != "" {
		u.Host = base.Host
		u.Path = strings.TrimSuffix(base.Path, "/")
		if base.Scheme == "https" || base.Scheme == "wss" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	path = strings.TrimSuffix(path, "/init") + "/ws"
	u.Path += path
	u.RawQuery = url.Values{"sessionId": {sessionID}}.Encode()
	return u.String()
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("sessionId", sessionID))

	vs, err := h.conv.OpenVoice(r.Context(), sessionID)
	if err != nil {
		logger.Error("open voice session failed", zap.Error(err))
		h.refuse(conn, sessionID, err)
		return
	}
	defer vs.Close()

	logger.Info("voice session opened")
	err = h.bridge(r.Context(), conn, vs)
	switch {
	case err == nil, errors.Is(err, errClientClosed), errors.Is(err, errStreamEnded):
		logger.Info("voice session closed")
	default:
		logger.Warn("voice session aborted", zap.Error(err))
	}
}

// refuse reports a failed open and closes the connection.
func (h *Handler) refuse(conn *websocket.Conn, sessionID string, err error) {
	message := "failed to open voice stream"
	var cfgErr *relay.ConfigurationError
	if errors.As(err, &cfgErr) {
		message = "Vapi API key not configured"
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(relaymodel.VoiceEvent{
		Type:      relaymodel.EventError,
		SessionID: sessionID,
		Error:     message,
	})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, message),
		time.Now().Add(writeWait))
}

// bridge pumps frames in both directions until either side stops.
func (h *Handler) bridge(ctx context.Context, conn *websocket.Conn, vs *conversation.VoiceSession) error {
	g, gctx := errgroup.WithContext(ctx)
	notices := make(chan relaymodel.VoiceEvent, noticeBuffer)

	g.Go(func() error {
		return h.readPump(gctx, conn, vs, notices)
	})
	g.Go(func() error {
		return h.writePump(gctx, conn, vs, notices)
	})
	g.Go(func() error {
		// 解除阻塞中的 ReadMessage
		<-gctx.Done()
		return conn.SetReadDeadline(time.Now())
	})

	return g.Wait()
}

// readPump forwards caller frames to the vendor unchanged.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, vs *conversation.VoiceSession, notices chan<- relaymodel.VoiceEvent) error {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("caller read failed", zap.Error(err))
			}
			return errClientClosed
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		switch kind {
		case websocket.BinaryMessage:
			err = vs.SendAudio(data)
		case websocket.TextMessage:
			err = vs.SendText(data)
		default:
			continue
		}
		if err == nil {
			continue
		}

		notice := relaymodel.VoiceEvent{Type: relaymodel.EventError, SessionID: vs.ID(), Error: err.Error()}
		select {
		case notices <- notice:
		case <-ctx.Done():
			return nil
		}
	}
}

// writePump is the only writer of data frames on conn.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, vs *conversation.VoiceSession, notices <-chan relaymodel.VoiceEvent) error {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	events := vs.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "voice stream ended"),
					time.Now().Add(writeWait))
				return errStreamEnded
			}
			if err := writeEvent(conn, event); err != nil {
				return err
			}
		case notice := <-notices:
			if err := writeEvent(conn, notice); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event relaymodel.VoiceEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if len(event.Audio) > 0 {
		return conn.WriteMessage(websocket.BinaryMessage, event.Audio)
	}
	return conn.WriteJSON(event)
}
