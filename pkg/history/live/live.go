// Package live holds the in-memory working set of sessions the UI
// renders between store reads: newest first, searchable, with batch
// removal. It is ephemeral by design; durable state lives in the
// history store.
package live

import (
	"strings"
	"sync"

	"github.com/salloc/302-tts/pkg/history"
)

// List is a mutex-guarded, newest-first session list.
type List struct {
	mu       sync.RWMutex
	sessions []history.Session
}

// NewList returns an empty list.
func NewList() *List { return &List{} }

// Add prepends a session, keeping the newest entry first.
func (l *List) Add(s history.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append([]history.Session{s}, l.sessions...)
}

// Search returns the sessions whose text contains query,
// case-insensitive. An empty query returns everything.
func (l *List) Search(query string) []history.Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if query == "" {
		return append([]history.Session(nil), l.sessions...)
	}
	q := strings.ToLower(query)
	var out []history.Session
	for _, s := range l.sessions {
		if strings.Contains(strings.ToLower(s.Text), q) {
			out = append(out, s)
		}
	}
	return out
}

// DeleteByID removes the session with the given id, if present.
func (l *List) DeleteByID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = deleteWhere(l.sessions, func(s history.Session) bool { return s.ID == id })
}

// DeleteBatch removes every session whose id is listed.
func (l *List) DeleteBatch(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = deleteWhere(l.sessions, func(s history.Session) bool {
		_, ok := set[s.ID]
		return ok
	})
}

// DeleteAll empties the list and returns the number of removed entries.
func (l *List) DeleteAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.sessions)
	l.sessions = nil
	return n
}

// UpdateByID merges the patch into the matching session and refreshes
// its UpdatedAt from the given timestamp. Returns false when the id is
// absent.
func (l *List) UpdateByID(id string, p history.Patch, updatedAt int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updateLocked(id, p, updatedAt)
}

// BatchUpdate pairs a session id with the patch to merge into it.
type BatchUpdate struct {
	ID    string
	Patch history.Patch
}

// UpdateBatch applies every patch under a single lock, skipping absent
// ids, and returns the number of sessions updated.
func (l *List) UpdateBatch(updates []BatchUpdate, updatedAt int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for _, u := range updates {
		if l.updateLocked(u.ID, u.Patch, updatedAt) {
			n++
		}
	}
	return n
}

func (l *List) updateLocked(id string, p history.Patch, updatedAt int64) bool {
	for i := range l.sessions {
		if l.sessions[i].ID != id {
			continue
		}
		applyPatch(&l.sessions[i], p)
		if updatedAt > l.sessions[i].UpdatedAt {
			l.sessions[i].UpdatedAt = updatedAt
		}
		return true
	}
	return false
}

// GetByID returns the session with the given id.
func (l *List) GetByID(id string) (history.Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return history.Session{}, false
}

// GetByIndex returns the session at position i (0 is newest).
func (l *List) GetByIndex(i int) (history.Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.sessions) {
		return history.Session{}, false
	}
	return l.sessions[i], true
}

// IndexByID returns the position of the session with the given id, or -1.
func (l *List) IndexByID(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, s := range l.sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Count returns the number of sessions in the list.
func (l *List) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// Newest returns the most recently added session.
func (l *List) Newest() (history.Session, bool) { return l.GetByIndex(0) }

// Oldest returns the earliest added session.
func (l *List) Oldest() (history.Session, bool) {
	l.mu.RLock()
	n := len(l.sessions)
	l.mu.RUnlock()
	return l.GetByIndex(n - 1)
}

func deleteWhere(in []history.Session, match func(history.Session) bool) []history.Session {
	out := in[:0]
	for _, s := range in {
		if !match(s) {
			out = append(out, s)
		}
	}
	return out
}

func applyPatch(rec *history.Session, p history.Patch) {
	if p.Platform != nil {
		rec.Platform = *p.Platform
	}
	if p.Speaker != nil {
		rec.Speaker = *p.Speaker
	}
	if p.Language != nil {
		rec.Language = *p.Language
	}
	if p.Speed != nil {
		rec.Speed = *p.Speed
	}
	if p.GenBy != nil {
		rec.GenBy = *p.GenBy
	}
	if p.Text != nil {
		rec.Text = *p.Text
	}
	if p.SpeechCloneText != nil {
		rec.SpeechCloneText = *p.SpeechCloneText
	}
	if p.SpeechToText != nil {
		rec.SpeechToText = *p.SpeechToText
	}
	if p.Audio != nil {
		rec.Audio = p.Audio
	}
}
