package engine

// Origin says who produced a conversation entry.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
	OriginSystem
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Entry is one line of the conversation. The log is append-only: the engine
// appends and clears, never reorders or deletes individual entries.
type Entry struct {
	Content string
	Origin  Origin
}

// conversation holds the ordered message log plus the ephemeral typing
// indicator, which is overwritten (not appended) on every typing event.
type conversation struct {
	entries []Entry
	typing  string
}

func (c *conversation) append(content string, origin Origin) {
	c.entries = append(c.entries, Entry{Content: content, Origin: origin})
}

func (c *conversation) setTyping(text string) { c.typing = text }
func (c *conversation) clearTyping()          { c.typing = "" }

func (c *conversation) clear() {
	c.entries = nil
	c.typing = ""
}

// snapshot returns a copy safe to hand outside the engine lock.
func (c *conversation) snapshot() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
