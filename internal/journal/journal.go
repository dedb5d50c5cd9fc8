// Package journal is an undo log for in-memory state. A component records an
// undo closure for every mutation made while a checkpoint is open; the owner of
// the checkpoint then either commits (drops the closures) or rolls back (runs
// them newest first).
package journal

// Scope is an open checkpoint.
type Scope interface {
	Commit()
	Rollback()
}

// Checkpointer is implemented by every component whose mutations can be
// discarded as part of a failed state transition.
type Checkpointer interface {
	Checkpoint() Scope
}

// Log is not safe for concurrent use; it belongs to the single writer of the
// state it protects.
type Log struct {
	entries []func()
	open    int
}

// Record registers undo for the mutation just applied. Outside a checkpoint
// nothing is retained.
func (l *Log) Record(undo func()) {
	if l.open == 0 {
		return
	}
	l.entries = append(l.entries, undo)
}

// Active reports whether a checkpoint is open.
func (l *Log) Active() bool {
	return l.open > 0
}

// Begin opens a checkpoint. Checkpoints nest: committing an inner checkpoint
// keeps its entries so an enclosing rollback still undoes them.
func (l *Log) Begin() *Checkpoint {
	l.open++
	return &Checkpoint{log: l, mark: len(l.entries)}
}

// Checkpoint marks a position in the log.
type Checkpoint struct {
	log  *Log
	mark int
	done bool
}

func (c *Checkpoint) Commit() {
	if c.done {
		return
	}
	c.done = true
	c.log.open--
	if c.log.open == 0 {
		clear(c.log.entries)
		c.log.entries = c.log.entries[:0]
	}
}

func (c *Checkpoint) Rollback() {
	if c.done {
		return
	}
	c.done = true
	for i := len(c.log.entries) - 1; i >= c.mark; i-- {
		c.log.entries[i]()
		c.log.entries[i] = nil
	}
	c.log.entries = c.log.entries[:c.mark]
	c.log.open--
}

// Group combines several scopes into one. Rollback runs in reverse order of
// registration.
type Group []Scope

func (g Group) Commit() {
	for _, s := range g {
		s.Commit()
	}
}

func (g Group) Rollback() {
	for i := len(g) - 1; i >= 0; i-- {
		g[i].Rollback()
	}
}
