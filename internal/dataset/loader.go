package dataset

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/lmeterx/pkg/failure"
)

// Parsed datasets are cached process-wide so repeated tasks over the same
// file do not re-read and re-encode images. Keys include the file mtime, so
// an updated file misses the cache.
var cache = gocache.New(10*time.Minute, 30*time.Minute)

// Options controls dataset loading.
type Options struct {
	// Generic treats each JSONL line as a full request body.
	Generic bool
	// ImageRoot is the directory image_path values resolve against.
	ImageRoot string
	Logger    *slog.Logger
}

// Load reads and parses a dataset file. Format is detected from the first
// non-whitespace byte: '[' means a ShareGPT-style JSON array, anything else
// means JSONL. An empty result is fatal.
func Load(path string, opts Options) (*Dataset, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("dataset file: %w", err)
	}

	key := fmt.Sprintf("%s|%d|%d|%t", abs, info.ModTime().UnixNano(), info.Size(), opts.Generic)
	if cached, ok := cache.Get(key); ok {
		base := cached.(*Dataset)
		return base.WithOffset(0), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}

	var ds *Dataset
	trimmed := bytes.TrimLeftFunc(data, func(r rune) bool { return r == ' ' || r == '\t' || r == '\r' || r == '\n' })
	switch {
	case opts.Generic:
		ds = loadGeneric(data, log)
	case len(trimmed) > 0 && trimmed[0] == '[':
		ds, err = loadShareGPT(data)
		if err != nil {
			return nil, err
		}
	default:
		ds = loadJSONL(data, opts, log)
	}

	if ds.Len() == 0 {
		return nil, failure.NewDatasetEmpty(path)
	}

	cache.Set(key, ds, gocache.DefaultExpiration)
	return ds.WithOffset(0), nil
}

// jsonlRecord is the accepted shape of one JSONL dataset line.
type jsonlRecord struct {
	ID            any               `json:"id"`
	Prompt        json.RawMessage   `json:"prompt"`
	Conversations []conversation    `json:"conversations"`
	Messages      []chatMessage     `json:"messages"`
	ImagePath     json.RawMessage   `json:"image_path"`
	Image         string            `json:"image"`
}

type conversation struct {
	From  string `json:"from"`
	Value string `json:"value"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func loadJSONL(data []byte, opts Options, log *slog.Logger) *Dataset {
	ds := &Dataset{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec jsonlRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			ds.skipped++
			log.Warn("skipping unparseable dataset line", "line", lineNum, "error", err)
			continue
		}

		entry := Entry{ID: recordID(rec.ID, lineNum)}
		entry.Prompts = extractPrompts(rec)
		if len(entry.Prompts) == 0 {
			ds.skipped++
			log.Warn("skipping dataset line without prompt", "line", lineNum)
			continue
		}
		entry.Image = resolveImage(rec, opts, log, lineNum)
		ds.entries = append(ds.entries, entry)
	}
	return ds
}

// sharegptRecord is one element of a ShareGPT-style JSON array.
type sharegptRecord struct {
	ID            any            `json:"id"`
	Image         string         `json:"image"`
	Conversations []conversation `json:"conversations"`
}

func loadShareGPT(data []byte) (*Dataset, error) {
	var records []sharegptRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse sharegpt dataset: %w", err)
	}

	ds := &Dataset{}
	for i, rec := range records {
		entry := Entry{ID: recordID(rec.ID, i+1)}
		for _, turn := range rec.Conversations {
			if turn.From == "human" || turn.From == "user" {
				entry.Prompts = append(entry.Prompts, turn.Value)
			}
		}
		if len(entry.Prompts) == 0 {
			ds.skipped++
			continue
		}
		if rec.Image != "" {
			entry.Image = passthroughImage(rec.Image)
		}
		ds.entries = append(ds.entries, entry)
	}
	return ds, nil
}

func loadGeneric(data []byte, log *slog.Logger) *Dataset {
	ds := &Dataset{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		payload := make([]byte, len(line))
		copy(payload, line)
		if !json.Valid(line) {
			// Keep the line as a plain-text body rather than dropping it.
			log.Warn("dataset line is not valid JSON, sending as plain text", "line", lineNum)
		}
		ds.entries = append(ds.entries, Entry{
			ID:         strconv.Itoa(lineNum),
			RawPayload: payload,
		})
	}
	return ds
}

func recordID(id any, fallback int) string {
	switch v := id.(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.Itoa(fallback)
}

// extractPrompts pulls prompt strings from a JSONL record, preferring the
// prompt field, then conversations, then messages.
func extractPrompts(rec jsonlRecord) []string {
	if len(rec.Prompt) > 0 {
		if p := normalizePrompt(rec.Prompt); len(p) > 0 {
			return p
		}
	}
	var out []string
	for _, turn := range rec.Conversations {
		if turn.From == "human" || turn.From == "user" {
			out = append(out, turn.Value)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, msg := range rec.Messages {
		if msg.Role == "user" || msg.Role == "human" {
			var s string
			if err := json.Unmarshal(msg.Content, &s); err == nil && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// normalizePrompt accepts a string, a string array, or an object. Objects
// (chat-shaped payloads and the like) are re-serialized compactly.
func normalizePrompt(raw json.RawMessage) []string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		var out []string
		for _, p := range list {
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		compact, err := json.Marshal(obj)
		if err == nil {
			return []string{string(compact)}
		}
	}
	return nil
}

func resolveImage(rec jsonlRecord, opts Options, log *slog.Logger, lineNum int) *Image {
	if rec.Image != "" {
		return passthroughImage(rec.Image)
	}
	if len(rec.ImagePath) == 0 {
		return nil
	}

	var path string
	if err := json.Unmarshal(rec.ImagePath, &path); err != nil {
		var list []string
		if err := json.Unmarshal(rec.ImagePath, &list); err != nil || len(list) == 0 {
			return nil
		}
		path = list[0]
	}
	if path == "" {
		return nil
	}

	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(opts.ImageRoot, path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		// Missing images do not abort the task; the request goes out without one.
		log.Warn("dataset image missing", "line", lineNum, "path", full,
			"kind", string(failure.KindDatasetImageMissing))
		return nil
	}

	mimeType := mime.TypeByExtension(filepath.Ext(full))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return &Image{Base64: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)}
}

// passthroughImage keeps URLs and already-encoded base64 values as-is.
func passthroughImage(v string) *Image {
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return &Image{URL: v}
	}
	return &Image{Base64: v}
}
