package transcript

import (
	"encoding/json"
)

// maxPending bounds the arena; invocations whose result never arrives
// (killed agent, compaction) are evicted oldest first.
const maxPending = 256

// ToolUse is an invocation waiting for its result.
type ToolUse struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Summary string          `json:"summary"`
	Input   json.RawMessage `json:"input,omitempty"`

	// MessageID is the chat message that announced the call, 0 until sent.
	MessageID int `json:"message_id,omitempty"`
}

// PendingTools is an insertion-ordered map of invocations keyed by id. It
// is owned by one tracked session and survives across poll cycles.
type PendingTools struct {
	order []string
	byID  map[string]*ToolUse
}

func NewPendingTools() *PendingTools {
	return &PendingTools{byID: make(map[string]*ToolUse)}
}

func (p *PendingTools) Len() int {
	if p == nil {
		return 0
	}
	return len(p.order)
}

// Get returns a copy of the record for id.
func (p *PendingTools) Get(id string) (ToolUse, bool) {
	if p == nil {
		return ToolUse{}, false
	}
	t, ok := p.byID[id]
	if !ok {
		return ToolUse{}, false
	}
	return *t, true
}

// Put inserts or replaces a record. Replacing keeps the original position.
func (p *PendingTools) Put(t ToolUse) {
	if cur, ok := p.byID[t.ID]; ok {
		*cur = t
		return
	}
	rec := t
	p.byID[t.ID] = &rec
	p.order = append(p.order, t.ID)
	for len(p.order) > maxPending {
		delete(p.byID, p.order[0])
		p.order = p.order[1:]
	}
}

// Remove deletes id and returns the record it held.
func (p *PendingTools) Remove(id string) (ToolUse, bool) {
	t, ok := p.byID[id]
	if !ok {
		return ToolUse{}, false
	}
	delete(p.byID, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
	return *t, true
}

// SetMessageID records the chat message for id. It reports false when the
// invocation is no longer pending (result already seen or evicted).
func (p *PendingTools) SetMessageID(id string, messageID int) bool {
	if p == nil {
		return false
	}
	t, ok := p.byID[id]
	if !ok {
		return false
	}
	t.MessageID = messageID
	return true
}

// IDs returns pending ids in insertion order.
func (p *PendingTools) IDs() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Clone returns a deep copy; Parse works on clones so its inputs stay intact.
func (p *PendingTools) Clone() *PendingTools {
	c := NewPendingTools()
	if p == nil {
		return c
	}
	for _, id := range p.order {
		c.Put(*p.byID[id])
	}
	return c
}

func (p *PendingTools) MarshalJSON() ([]byte, error) {
	list := make([]ToolUse, 0, p.Len())
	for _, id := range p.IDs() {
		list = append(list, *p.byID[id])
	}
	return json.Marshal(list)
}

func (p *PendingTools) UnmarshalJSON(data []byte) error {
	var list []ToolUse
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	p.order = nil
	p.byID = make(map[string]*ToolUse, len(list))
	for _, t := range list {
		p.Put(t)
	}
	return nil
}
