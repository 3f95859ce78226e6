// Package session owns all mutable state of one training session: the
// per-role upstream conversation ids, the per-turn supervisor records, the
// cumulative competency scores and the memory transcript. Nothing else in
// the program mutates these; a Manager is constructed fresh per session and
// threaded through calls, never held as package state.
package session

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"counselsim/internal/normalize"
)

// Role identifies one upstream dialogue thread.
type Role string

const (
	RoleVisitor    Role = "visitor"
	RoleSupervisor Role = "supervisor"
	RoleOverall    Role = "overall"
)

// Manager is the session/turn state manager. All methods are safe for
// concurrent use; in practice the turn-completion path is the only writer.
type Manager struct {
	mu sync.Mutex

	userID string

	// Upstream conversation ids, empty until the first successful call of
	// each role. A failed call leaves the id untouched so a retry reuses
	// the same upstream conversation.
	conversationIDs map[Role]string

	records      map[int]normalize.FullRecord
	competencies normalize.CompetencyScores
	memory       string
	currentTurn  int
}

// New returns an empty Manager with a fresh stable user id for the upstream
// payloads.
func New() *Manager {
	return &Manager{
		userID:          "counselor_" + uuid.NewString(),
		conversationIDs: make(map[Role]string),
		records:         make(map[int]normalize.FullRecord),
		competencies:    normalize.CompetencyScores{},
	}
}

// UserID returns the session's upstream user identifier.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Reset clears every piece of session state: conversation ids, turn records,
// competency scores, memory and the turn counter. The user id is regenerated
// so the upstream services see a fresh user as well.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = "counselor_" + uuid.NewString()
	m.conversationIDs = make(map[Role]string)
	m.records = make(map[int]normalize.FullRecord)
	m.competencies = normalize.CompetencyScores{}
	m.memory = ""
	m.currentTurn = 0
}

// ConversationID returns the stored upstream conversation id for role, or ""
// while the thread is uninitialized.
func (m *Manager) ConversationID(role Role) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationIDs[role]
}

// SetConversationID stores the id returned by an upstream response. Empty
// ids are ignored: an absent id on a response never clears a live thread.
func (m *Manager) SetConversationID(role Role, id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversationIDs[role] = id
}

// SetCurrentTurn records the turn index the next supervisor result should
// fall back to when the upstream omits its own turn number.
func (m *Manager) SetCurrentTurn(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTurn = n
}

// CurrentTurn returns the last value passed to SetCurrentTurn.
func (m *Manager) CurrentTurn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTurn
}

// RecordTurn stores the record under its turn index. Duplicate indices
// overwrite: a retried supervisor call must not produce two records for the
// same turn.
func (m *Manager) RecordTurn(rec normalize.FullRecord) {
	if rec.Turn <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Turn] = rec
}

// HasRecord reports whether a record exists for the given turn index.
func (m *Manager) HasRecord(turn int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[turn]
	return ok
}

// Records returns the stored records ordered by turn index.
func (m *Manager) Records() []normalize.FullRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]normalize.FullRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Turn < out[j].Turn })
	return out
}

// MergeCompetencies folds new scores in, last write wins per dimension.
// Dimensions absent from scores keep their previous values; a later turn
// never erases an earlier dimension.
func (m *Manager) MergeCompetencies(scores normalize.CompetencyScores) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dim, v := range scores {
		m.competencies[dim] = v
	}
}

// Competencies returns a copy of the cumulative competency scores.
func (m *Manager) Competencies() normalize.CompetencyScores {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(normalize.CompetencyScores, len(m.competencies))
	for dim, v := range m.competencies {
		out[dim] = v
	}
	return out
}

// SetMemory replaces the memory transcript. The upstream supervisor returns
// the full cumulative transcript each turn, so this replaces rather than
// appends.
func (m *Manager) SetMemory(text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory = text
}

// Memory returns the raw memory transcript, possibly empty.
func (m *Manager) Memory() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memory
}

// MemorySummary returns the transcript for the overall-evaluation prompt:
// the upstream-provided memory when present, else a synthesized summary of
// the per-turn records (older agent configurations never emit
// memory_update). Empty when the session has neither.
func (m *Manager) MemorySummary() string {
	m.mu.Lock()
	memory := m.memory
	m.mu.Unlock()
	if memory != "" {
		return memory
	}

	records := m.Records()
	if len(records) == 0 {
		return ""
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, normalize.FormatRecordLine(rec))
	}
	return strings.Join(lines, "\n\n")
}
