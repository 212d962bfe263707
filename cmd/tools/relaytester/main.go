package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/lead-relay/backend/internal/config"
	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
)

const audioChunkSize = 3200

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: chat, history, clear 或 voice")
	server := flag.String("server", defaultServer(cfg.Server), "中继服务地址")
	text := flag.String("text", "", "chat 模式发送的文本")
	chatMode := flag.String("chat-mode", "chat", "chat 模式下的对话类型: chat 或 voice")
	audioPath := flag.String("audio", "", "voice 模式上传的原始音频文件")
	outputPath := flag.String("out", "", "voice 模式收到的音频写入该文件")
	session := flag.String("session", "", "自定义 sessionID，留空则自动生成")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	base := strings.TrimRight(*server, "/")
	switch *mode {
	case "chat":
		runChat(ctx, base, sessionID, *text, *chatMode)
	case "history":
		runHistory(ctx, base, sessionID, http.MethodGet)
	case "clear":
		runHistory(ctx, base, sessionID, http.MethodDelete)
	case "voice":
		runVoice(ctx, base, sessionID, *audioPath, *outputPath)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode 指定 chat, history, clear 或 voice")
	}
}

func defaultServer(cfg config.ServerConfig) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	addr := cfg.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func runChat(ctx context.Context, base, sessionID, text, chatMode string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("chat 模式需要通过 -text 提供文本")
	}

	payload, _ := json.Marshal(map[string]string{
		"message":   text,
		"sessionId": sessionID,
		"mode":      chatMode,
	})

	log.Printf("发送对话: session=%s mode=%s", sessionID, chatMode)
	body := doRequest(ctx, http.MethodPost, base+"/relay/chat", payload)

	var resp struct {
		Reply    string              `json:"reply"`
		Metadata relaymodel.Metadata `json:"metadata"`
		Fallback bool                `json:"fallback"`
		History  []json.RawMessage   `json:"history"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Fatalf("解析响应失败: %v", err)
	}

	log.Printf("回复: %q", resp.Reply)
	log.Printf("intent=%s sentiment=%s source=%s fallback=%t history=%d",
		resp.Metadata.Intent, resp.Metadata.Sentiment, resp.Metadata.Source, resp.Fallback, len(resp.History))
}

func runHistory(ctx context.Context, base, sessionID, method string) {
	body := doRequest(ctx, method, base+"/relay/history/"+url.PathEscape(sessionID), nil)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		log.Fatalf("解析响应失败: %v", err)
	}
	fmt.Println(pretty.String())
}

func doRequest(ctx context.Context, method, target string, payload []byte) []byte {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		log.Fatalf("构造请求失败: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("读取响应失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("请求失败: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body
}

func runVoice(ctx context.Context, base, sessionID, audioPath, outputPath string) {
	body := doRequest(ctx, http.MethodPost, base+"/relay/voice/init?sessionId="+url.QueryEscape(sessionID), []byte("{}"))

	var voiceInit relaymodel.VoiceInit
	if err := json.Unmarshal(body, &voiceInit); err != nil {
		log.Fatalf("解析 init 响应失败: %v", err)
	}
	log.Printf("连接语音流: %s assistant=%s", voiceInit.StreamURL, voiceInit.AssistantID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, voiceInit.StreamURL, nil)
	if err != nil {
		log.Fatalf("WebSocket 连接失败: %v", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	if audioPath != "" {
		go sendAudio(conn, audioPath)
	}

	var out *os.File
	if outputPath != "" {
		out, err = os.Create(outputPath)
		if err != nil {
			log.Fatalf("创建输出文件失败: %v", err)
		}
		defer out.Close()
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				log.Printf("语音流结束")
				return
			}
			log.Fatalf("读取语音流失败: %v", err)
		}

		if kind == websocket.BinaryMessage {
			if out != nil {
				if _, err := out.Write(data); err != nil {
					log.Fatalf("写入音频文件失败: %v", err)
				}
			}
			log.Printf("收到音频 %d 字节", len(data))
			continue
		}

		var event relaymodel.VoiceEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[WARN] 无法解析事件: %s", data)
			continue
		}
		switch event.Type {
		case relaymodel.EventError:
			log.Printf("错误事件: %s", event.Error)
		default:
			log.Printf("事件 %s: text=%q metadata=%v", event.Type, event.Text, event.Metadata)
		}
	}
}

// sendAudio 按固定大小分块上传音频，模拟实时采集。
func sendAudio(conn *websocket.Conn, audioPath string) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		log.Printf("[WARN] 读取音频失败: %v", err)
		return
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for offset := 0; offset < len(data); offset += audioChunkSize {
		end := offset + audioChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data[offset:end]); err != nil {
			log.Printf("[WARN] 上传音频失败: %v", err)
			return
		}
		<-ticker.C
	}
	log.Printf("音频上传完成: %d 字节", len(data))
}
