// Copyright 2025 The Helmsman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package projection maintains per-run in-memory views of structured
// events: a bounded timeline plus thinking, tool, and diff projections.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/helmsman-dev/helmsman/internal/store"
)

const (
	timelineCap = 1200
	thinkingCap = 400
	toolCap     = 600

	// hydrateScan bounds how many recent events are replayed on first use.
	hydrateScan = 4000

	// messageLimit truncates timeline messages.
	messageLimit = 360

	// seenWindow bounds the per-run dedupe set: sequences at or below
	// LastSequence-seenWindow count as already applied. Kept above
	// hydrateScan so replayed events never fall under the horizon.
	seenWindow = 4096
)

// TimelineEntry is one row of the run timeline.
type TimelineEntry struct {
	Sequence  int64     `json:"sequence"`
	Type      string    `json:"type"`
	Category  string    `json:"category,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ThinkingEntry is one reasoning fragment.
type ThinkingEntry struct {
	Sequence  int64     `json:"sequence"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolEntry is one tool invocation, upserted by call id when present.
type ToolEntry struct {
	Sequence  int64     `json:"sequence"`
	Name      string    `json:"name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DiffSnapshot is the run's current diff, replaced wholesale on update.
type DiffSnapshot struct {
	Sequence  int64     `json:"sequence"`
	Patch     string    `json:"patch,omitempty"`
	Stat      string    `json:"stat,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunView is a copy of one run's projection.
type RunView struct {
	RunID        string          `json:"run_id"`
	LastSequence int64           `json:"last_sequence"`
	Timeline     []TimelineEntry `json:"timeline"`
	Thinking     []ThinkingEntry `json:"thinking"`
	Tools        []ToolEntry     `json:"tools"`
	Diff         *DiffSnapshot   `json:"diff,omitempty"`
}

type runState struct {
	// mu serializes hydration, applies, and reads for one run.
	mu       sync.Mutex
	hydrated bool
	seen     map[int64]bool
	view     RunView
}

// Projector builds and serves run views.
type Projector struct {
	store store.EventStore

	mu   sync.Mutex
	runs map[string]*runState
}

// New creates a projector over the event store.
func New(st store.EventStore) *Projector {
	return &Projector{
		store: st,
		runs:  make(map[string]*runState),
	}
}

// Apply folds one structured event into the run's view. Implements the
// listener sink; safe before hydration because applies dedupe by sequence.
func (p *Projector) Apply(ev *store.StructuredEvent) {
	st := p.stateFor(ev.RunID)
	st.mu.Lock()
	defer st.mu.Unlock()
	applyLocked(st, ev)
}

// View returns a copy of the run's projection, hydrating from the most
// recent persisted events on first use.
func (p *Projector) View(ctx context.Context, runID string) (*RunView, error) {
	st := p.stateFor(runID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.hydrated {
		events, err := p.store.ListRecentStructuredEvents(ctx, runID, hydrateScan)
		if err != nil {
			return nil, fmt.Errorf("hydrate run %s: %w", runID, err)
		}
		for _, ev := range events {
			applyLocked(st, ev)
		}
		st.hydrated = true
	}

	view := st.view
	view.Timeline = append([]TimelineEntry(nil), st.view.Timeline...)
	view.Thinking = append([]ThinkingEntry(nil), st.view.Thinking...)
	view.Tools = append([]ToolEntry(nil), st.view.Tools...)
	if st.view.Diff != nil {
		d := *st.view.Diff
		view.Diff = &d
	}
	return &view, nil
}

// Forget drops a run's in-memory view. The persisted events remain; the
// next View rehydrates.
func (p *Projector) Forget(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, runID)
}

func (p *Projector) stateFor(runID string) *runState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.runs[runID]
	if !ok {
		st = &runState{
			seen: make(map[int64]bool),
			view: RunView{RunID: runID},
		}
		p.runs[runID] = st
	}
	return st
}

func applyLocked(st *runState, ev *store.StructuredEvent) {
	// Sequences below the dedupe horizon would land past the list caps
	// anyway, so they are treated as already applied.
	if st.seen[ev.Sequence] || ev.Sequence <= st.view.LastSequence-seenWindow {
		return
	}
	st.seen[ev.Sequence] = true
	if ev.Sequence > st.view.LastSequence {
		st.view.LastSequence = ev.Sequence
	}
	if len(st.seen) > seenWindow {
		horizon := st.view.LastSequence - seenWindow
		for seq := range st.seen {
			if seq <= horizon {
				delete(st.seen, seq)
			}
		}
	}

	payload := parsePayload(ev.Payload)

	st.view.Timeline = append(st.view.Timeline, TimelineEntry{
		Sequence:  ev.Sequence,
		Type:      ev.Type,
		Category:  ev.Category,
		Message:   truncate(timelineMessage(ev, payload), messageLimit),
		Timestamp: ev.Timestamp,
	})
	if len(st.view.Timeline) > timelineCap {
		st.view.Timeline = st.view.Timeline[len(st.view.Timeline)-timelineCap:]
	}

	if text, ok := thinkingText(ev, payload); ok {
		st.view.Thinking = append(st.view.Thinking, ThinkingEntry{
			Sequence:  ev.Sequence,
			Text:      text,
			Timestamp: ev.Timestamp,
		})
		if len(st.view.Thinking) > thinkingCap {
			st.view.Thinking = st.view.Thinking[len(st.view.Thinking)-thinkingCap:]
		}
	}

	if entry, ok := toolEntry(ev, payload); ok {
		upsertTool(st, entry)
	}

	if diff, ok := diffSnapshot(ev, payload); ok {
		st.view.Diff = &diff
	}
}

func parsePayload(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// timelineMessage picks the first non-empty of summary, error, raw payload.
func timelineMessage(ev *store.StructuredEvent, payload map[string]any) string {
	if ev.Summary != "" {
		return ev.Summary
	}
	if ev.Error != "" {
		return ev.Error
	}
	if len(ev.Payload) > 0 {
		return string(ev.Payload)
	}
	_ = payload
	return ""
}

func thinkingText(ev *store.StructuredEvent, payload map[string]any) (string, bool) {
	switch ev.Category {
	case "thinking", "reasoning", "analysis":
		if s := stringField(payload, "text", "thinking", "reasoning"); s != "" {
			return s, true
		}
		if ev.Summary != "" {
			return ev.Summary, true
		}
		return string(ev.Payload), true
	}
	for _, field := range []string{"thinking", "reasoning"} {
		if s := stringField(payload, field); s != "" {
			return s, true
		}
	}
	return "", false
}

func toolEntry(ev *store.StructuredEvent, payload map[string]any) (ToolEntry, bool) {
	name := stringField(payload, "toolName")
	callID := stringField(payload, "toolCallId")
	if ev.Category != "tool" && name == "" && callID == "" {
		return ToolEntry{}, false
	}
	return ToolEntry{
		Sequence:  ev.Sequence,
		Name:      name,
		CallID:    callID,
		Detail:    truncate(ev.Summary, messageLimit),
		Timestamp: ev.Timestamp,
	}, true
}

// upsertTool updates an existing entry by call id or appends a new one.
func upsertTool(st *runState, entry ToolEntry) {
	if entry.CallID != "" {
		for i := range st.view.Tools {
			if st.view.Tools[i].CallID == entry.CallID {
				if entry.Name == "" {
					entry.Name = st.view.Tools[i].Name
				}
				if entry.Detail == "" {
					entry.Detail = st.view.Tools[i].Detail
				}
				st.view.Tools[i] = entry
				return
			}
		}
	}
	st.view.Tools = append(st.view.Tools, entry)
	if len(st.view.Tools) > toolCap {
		st.view.Tools = st.view.Tools[len(st.view.Tools)-toolCap:]
	}
}

func diffSnapshot(ev *store.StructuredEvent, payload map[string]any) (DiffSnapshot, bool) {
	patch := stringField(payload, "diffPatch")
	stat := stringField(payload, "diffStat")
	if ev.Category != "diff" && patch == "" && stat == "" {
		return DiffSnapshot{}, false
	}
	return DiffSnapshot{
		Sequence:  ev.Sequence,
		Patch:     patch,
		Stat:      stat,
		Timestamp: ev.Timestamp,
	}, true
}

func stringField(payload map[string]any, names ...string) string {
	for _, name := range names {
		if v, ok := payload[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
