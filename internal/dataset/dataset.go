// Package dataset materializes request prompts and payloads from JSONL or
// ShareGPT-JSON sources and hands them out round-robin to virtual users.
package dataset

import (
	"sync/atomic"
)

// Image is an image reference attached to a dataset entry. Exactly one of
// URL or Base64 is set after loading; entries whose file was missing carry
// neither.
type Image struct {
	URL    string
	Base64 string
}

// Entry is one materialized dataset record. For LLM tasks Prompts holds the
// prompt strings; for generic tasks RawPayload is sent verbatim as the
// request body.
type Entry struct {
	ID         string
	Prompts    []string
	Image      *Image
	RawPayload []byte
}

// Prompt returns the primary prompt text of the entry.
func (e *Entry) Prompt() string {
	if len(e.Prompts) == 0 {
		return ""
	}
	return e.Prompts[0]
}

// Dataset is an immutable entry sequence with a shared round-robin cursor.
// Entries are read-only after load and safe to share across virtual users.
type Dataset struct {
	entries []Entry
	skipped int
	cursor  atomic.Uint64
	offset  uint64
}

// FromEntries builds an in-memory dataset, used for tasks that run without
// a dataset file (built-in prompts, or a fixed request payload).
func FromEntries(entries []Entry) *Dataset {
	return &Dataset{entries: entries}
}

// Len returns the number of usable entries.
func (d *Dataset) Len() int { return len(d.entries) }

// Skipped returns the number of source lines that failed to parse.
func (d *Dataset) Skipped() int { return d.skipped }

// Next returns the next entry in round-robin order. The k-th call returns
// entry (offset+k) mod N.
func (d *Dataset) Next() *Entry {
	n := uint64(len(d.entries))
	if n == 0 {
		return nil
	}
	k := d.cursor.Add(1) - 1
	return &d.entries[(d.offset+k)%n]
}

// WithOffset returns a view over the same entries whose cursor starts at
// offset. Shards use their shard index as offset to preserve coverage.
func (d *Dataset) WithOffset(offset int) *Dataset {
	view := &Dataset{entries: d.entries, skipped: d.skipped}
	if n := len(d.entries); n > 0 {
		view.offset = uint64(offset % n)
	}
	return view
}
