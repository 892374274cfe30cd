package zorel

import (
	"context"
	"database/sql"
	"fmt"
)

type txKey struct{ conn *Connection }

// Transactional runs fn inside a transaction. When ctx already carries a
// transaction of this connection, fn joins it and commit/rollback is left to
// the outermost call.
func (c *Connection) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.InTransaction(ctx) {
		return fn(ctx)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("zorel: begin transaction: %w", err)
	}
	c.logger.DebugContext(ctx, "transaction started", "connection", c.Name)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{c}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.WarnContext(ctx, "rollback failed", "connection", c.Name, "error", rbErr)
		}
		c.logger.DebugContext(ctx, "transaction rolled back", "connection", c.Name, "error", err)
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("zorel: commit transaction: %w", err)
	}
	c.logger.DebugContext(ctx, "transaction committed", "connection", c.Name)
	return nil
}

// InTransaction reports whether ctx carries a transaction of this connection.
func (c *Connection) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{c}).(*sql.Tx)
	return ok
}

type journalKey struct{}

// saveJournal remembers the state of every entity touched by an atomic save
// so a rollback can put the in-memory entities back as they were.
type saveJournal struct {
	seen    map[*Entity]bool
	entries []journalEntry
}

type journalEntry struct {
	entity *Entity
	state  entityState
}

func journalFrom(ctx context.Context) *saveJournal {
	j, _ := ctx.Value(journalKey{}).(*saveJournal)
	return j
}

// track records e the first time it is touched.
func (j *saveJournal) track(e *Entity) {
	if j == nil || j.seen[e] {
		return
	}
	j.seen[e] = true
	j.entries = append(j.entries, journalEntry{entity: e, state: e.snapshot()})
}

// track records e in the journal carried by ctx, if any.
func track(ctx context.Context, e *Entity) {
	journalFrom(ctx).track(e)
}

func (j *saveJournal) rollback() {
	for i := len(j.entries) - 1; i >= 0; i-- {
		j.entries[i].entity.restore(j.entries[i].state)
	}
}

// atomically runs fn in a transaction with a save journal. On failure the
// entities fn touched are restored; the errors attached to them stay.
func (c *Connection) atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if journalFrom(ctx) != nil {
		return c.Transactional(ctx, fn)
	}
	j := &saveJournal{seen: make(map[*Entity]bool)}
	err := c.Transactional(context.WithValue(ctx, journalKey{}, j), fn)
	if err != nil {
		j.rollback()
	}
	return err
}
