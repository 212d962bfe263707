package relay

import (
	"sync"

	"github.com/zhouzirui/lead-relay/backend/internal/metrics"
)

// StreamManager keeps at most one vendor voice stream per session.
type StreamManager struct {
	mu      sync.RWMutex
	streams map[string]VoiceStream
	metrics *metrics.Metrics
}

// NewStreamManager 创建流管理器
func NewStreamManager(m *metrics.Metrics) *StreamManager {
	return &StreamManager{
		streams: make(map[string]VoiceStream),
		metrics: m,
	}
}

// Add registers stream for the session, closing any previous one. The entry
// is dropped automatically once the stream finishes.
func (sm *StreamManager) Add(sessionID string, stream VoiceStream) {
	sm.mu.Lock()
	old, exists := sm.streams[sessionID]
	if exists && old == stream {
		sm.mu.Unlock()
		return
	}
	sm.streams[sessionID] = stream
	sm.mu.Unlock()

	sm.metrics.VoiceStreamOpened()
	if exists {
		_ = old.Close()
	}

	go func() {
		<-stream.Done()
		sm.release(sessionID, stream)
		sm.metrics.VoiceStreamClosed()
	}()
}

// Get 获取会话当前的流
func (sm *StreamManager) Get(sessionID string) (VoiceStream, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	stream, exists := sm.streams[sessionID]
	return stream, exists
}

// Remove closes and forgets the session's stream.
func (sm *StreamManager) Remove(sessionID string) {
	sm.mu.Lock()
	stream, exists := sm.streams[sessionID]
	delete(sm.streams, sessionID)
	sm.mu.Unlock()

	if exists {
		_ = stream.Close()
	}
}

// Len reports how many streams are open.
func (sm *StreamManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.streams)
}

// CloseAll 关闭所有流
func (sm *StreamManager) CloseAll() {
	sm.mu.Lock()
	streams := sm.streams
	sm.streams = make(map[string]VoiceStream)
	sm.mu.Unlock()

	for _, stream := range streams {
		_ = stream.Close()
	}
}

func (sm *StreamManager) release(sessionID string, stream VoiceStream) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if current, ok := sm.streams[sessionID]; ok && current == stream {
		delete(sm.streams, sessionID)
	}
}
