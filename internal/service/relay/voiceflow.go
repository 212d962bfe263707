package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/lead-relay/backend/internal/config"
	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
)

// maxVendorBody caps how much of a vendor response is read.
const maxVendorBody = 1 << 20

// VoiceflowClient talks to the Voiceflow general runtime over HTTP.
type VoiceflowClient struct {
	cfg    config.VoiceflowConfig
	http   *http.Client
	logger *zap.Logger
}

// NewVoiceflowClient builds a client. A nil httpClient gets one with cfg.Timeout.
func NewVoiceflowClient(cfg config.VoiceflowConfig, httpClient *http.Client, logger *zap.Logger) *VoiceflowClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoiceflowClient{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.Named("voiceflow"),
	}
}

// Configured reports whether the client has credentials.
func (c *VoiceflowClient) Configured() bool {
	return c.cfg.Enabled()
}

func (c *VoiceflowClient) configurationError() error {
	var missing []string
	if c.cfg.APIKey == "" {
		missing = append(missing, "VOICEFLOW_API_KEY")
	}
	if c.cfg.VersionID == "" {
		missing = append(missing, "VOICEFLOW_VERSION_ID")
	}
	return &ConfigurationError{Vendor: VendorVoiceflow, Missing: missing}
}

type interactRequest struct {
	Action interactAction `json:"action"`
}

type interactAction struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Interact probes the user state and then sends text as a text action.
func (c *VoiceflowClient) Interact(ctx context.Context, userID, text string) (relaymodel.Reply, error) {
	if !c.Configured() {
		return relaymodel.Reply{}, c.configurationError()
	}

	stateURL := c.userURL(userID)
	if _, err := c.do(ctx, http.MethodGet, stateURL, nil); err != nil {
		return relaymodel.Reply{}, err
	}

	body, err := json.Marshal(interactRequest{Action: interactAction{Type: "text", Payload: text}})
	if err != nil {
		return relaymodel.Reply{}, fmt.Errorf("marshal interact request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, stateURL+"/interact", body)
	if err != nil {
		return relaymodel.Reply{}, err
	}

	traces, err := decodeTraces(raw)
	if err != nil {
		return relaymodel.Reply{}, &VendorError{Vendor: VendorVoiceflow, Message: "malformed trace response", Err: err}
	}

	reply := traces.reply()
	c.logger.Debug("interact completed",
		zap.String("userId", userID),
		zap.Int("traces", len(traces)),
		zap.String("intent", reply.Metadata.Intent),
	)
	return reply, nil
}

func (c *VoiceflowClient) userURL(userID string) string {
	return fmt.Sprintf("%s/state/user/%s", strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(userID))
}

func (c *VoiceflowClient) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build voiceflow request: %w", err)
	}
	req.Header.Set("Authorization", c.cfg.APIKey)
	req.Header.Set("versionID", c.cfg.VersionID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &VendorError{Vendor: VendorVoiceflow, Message: "unreachable", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVendorBody))
	if err != nil {
		return nil, &VendorError{Vendor: VendorVoiceflow, Status: resp.StatusCode, Message: "read body", Err: err}
	}

	c.logger.Debug("vendor call",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &VendorError{
			Vendor:  VendorVoiceflow,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}

// Trace types the relay understands. Anything else is ignored.
const (
	traceText     = "text"
	traceIntent   = "intent"
	traceEntities = "entities"
)

type trace struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type traceList []trace

// decodeTraces accepts either a bare trace array or an object with a trace field.
func decodeTraces(raw []byte) (traceList, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	if trimmed[0] == '[' {
		var list traceList
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var envelope struct {
		Trace *traceList `json:"trace"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, err
	}
	if envelope.Trace == nil {
		return nil, fmt.Errorf("missing trace field")
	}
	return *envelope.Trace, nil
}

type textPayload struct {
	Message string `json:"message"`
}

type intentPayload struct {
	Intent     json.RawMessage `json:"intent"`
	Confidence float64         `json:"confidence"`
}

type entitiesPayload struct {
	Entities map[string]any `json:"entities"`
}

func (l traceList) reply() relaymodel.Reply {
	reply := relaymodel.Reply{
		Vendor: VendorVoiceflow,
		Metadata: relaymodel.Metadata{
			Entities: map[string]any{},
			Source:   relaymodel.SourceVoiceflow,
		},
	}

	var (
		texts       []string
		gotIntent   bool
		gotEntities bool
	)
	for _, t := range l {
		switch t.Type {
		case traceText:
			var p textPayload
			if err := json.Unmarshal(t.Payload, &p); err == nil && p.Message != "" {
				texts = append(texts, p.Message)
			}
		case traceIntent:
			if gotIntent {
				continue
			}
			var p intentPayload
			if err := json.Unmarshal(t.Payload, &p); err == nil {
				reply.Metadata.Intent = intentName(p.Intent)
				reply.Metadata.Confidence = p.Confidence
				gotIntent = true
			}
		case traceEntities:
			if gotEntities {
				continue
			}
			var p entitiesPayload
			if err := json.Unmarshal(t.Payload, &p); err == nil && p.Entities != nil {
				reply.Metadata.Entities = p.Entities
				gotEntities = true
			}
		}
	}

	reply.Text = strings.Join(texts, "\n")
	return reply
}

// intentName accepts "name" or {"name": "..."}.
func intentName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}

	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Name
	}
	return ""
}
