// Package mockllm provides a mock LLM target for exercising the engine
// without a real model endpoint. It serves OpenAI- and Claude-shaped chat
// completions, streaming and non-streaming, with configurable latency.
package mockllm

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Server is a mock LLM API server.
type Server struct {
	// Latency simulates time to first byte.
	Latency time.Duration

	// ChunkDelay is the pause between streamed chunks.
	ChunkDelay time.Duration

	// Chunks is the streamed completion, one delta per element.
	Chunks []string

	// ErrorRate is the probability of answering 500 (0.0 to 1.0).
	ErrorRate float64

	// RequestCount tracks total requests handled.
	RequestCount atomic.Int64
}

// NewServer creates a mock server with fast defaults.
func NewServer() *Server {
	return &Server{
		Latency:    10 * time.Millisecond,
		ChunkDelay: 5 * time.Millisecond,
		Chunks:     []string{"Hello", "!", " This", " is", " a", " mock", " response", "."},
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Handler returns the mock's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleOpenAIChat)
	mux.HandleFunc("/v1/messages", s.handleClaudeMessages)
	mux.HandleFunc("/v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.accept(w, r)
	if !ok {
		return
	}
	if req.Stream {
		s.streamOpenAI(w, req)
		return
	}

	content := strings.Join(s.Chunks, "")
	resp := map[string]any{
		"id":      fmt.Sprintf("chatcmpl-mock-%d", time.Now().UnixNano()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": s.usageFor(req, content),
	}
	writeJSON(w, resp)
}

func (s *Server) streamOpenAI(w http.ResponseWriter, req *chatRequest) {
	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}

	for i, chunk := range s.Chunks {
		finish := any(nil)
		if i == len(s.Chunks)-1 {
			finish = "stop"
		}
		data := map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock-%d", time.Now().UnixNano()),
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{
				{
					"index":         0,
					"delta":         map[string]any{"content": chunk},
					"finish_reason": finish,
				},
			},
		}
		writeSSE(w, flusher, data)
		time.Sleep(s.ChunkDelay)
	}

	// Usage rides the final frame before the end marker, as real backends do
	// with stream_options include_usage.
	writeSSE(w, flusher, map[string]any{
		"object":  "chat.completion.chunk",
		"choices": []map[string]any{},
		"usage":   s.usageFor(req, strings.Join(s.Chunks, "")),
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleClaudeMessages(w http.ResponseWriter, r *http.Request) {
	req, ok := s.accept(w, r)
	if !ok {
		return
	}
	content := strings.Join(s.Chunks, "")
	u := s.usageFor(req, content)

	if req.Stream {
		flusher, ok := sseHeaders(w)
		if !ok {
			return
		}
		for _, chunk := range s.Chunks {
			writeSSE(w, flusher, map[string]any{
				"type":  "content_block_delta",
				"delta": map[string]any{"type": "text_delta", "text": chunk},
			})
			time.Sleep(s.ChunkDelay)
		}
		writeSSE(w, flusher, map[string]any{
			"type": "message_delta",
			"usage": map[string]any{
				"input_tokens":  u.PromptTokens,
				"output_tokens": u.CompletionTokens,
			},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	writeJSON(w, map[string]any{
		"id":      fmt.Sprintf("msg-mock-%d", time.Now().UnixNano()),
		"type":    "message",
		"role":    "assistant",
		"model":   req.Model,
		"content": []map[string]any{{"type": "text", "text": content}},
		"usage": map[string]any{
			"input_tokens":  u.PromptTokens,
			"output_tokens": u.CompletionTokens,
		},
	})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.accept(w, r); !ok {
		return
	}
	vec := make([]float64, 8)
	for i := range vec {
		vec[i] = rand.Float64()
	}
	writeJSON(w, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"object": "embedding", "index": 0, "embedding": vec},
		},
		"usage": map[string]any{"prompt_tokens": 4, "total_tokens": 4},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":        "ok",
		"request_count": s.RequestCount.Load(),
	})
}

// accept reads and validates the request, applies latency and the error
// rate, and reports whether the handler should keep going.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*chatRequest, bool) {
	s.RequestCount.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()

	var req chatRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return nil, false
		}
	}

	if s.ErrorRate > 0 && rand.Float64() < s.ErrorRate {
		http.Error(w, "mock internal error", http.StatusInternalServerError)
		return nil, false
	}
	if s.Latency > 0 {
		time.Sleep(s.Latency)
	}
	return &req, true
}

func (s *Server) usageFor(req *chatRequest, content string) usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	completion := len(content) / 4
	if completion == 0 {
		completion = 1
	}
	return usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, data any) {
	raw, _ := json.Marshal(data)
	fmt.Fprintf(w, "data: %s\n\n", raw)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}
