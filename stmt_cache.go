package zorel

import (
	"container/list"
	"context"
	"database/sql"
	"sync"
)

// stmtKey identifies a statement prepared on one pool. Replicas and the
// primary each get their own entry for the same SQL.
type stmtKey struct {
	db    *sql.DB
	query string
}

// StmtCache is an LRU of prepared statements shared by the reads and writes
// of a Connection. Evicted statements stay open until their last user
// releases them.
type StmtCache struct {
	mu       sync.Mutex
	capacity int
	items    map[stmtKey]*cachedStmt
	lru      *list.List
}

type cachedStmt struct {
	key     stmtKey
	stmt    *sql.Stmt
	elem    *list.Element
	users   int
	evicted bool
}

// NewStmtCache creates a cache holding at most capacity statements.
// A capacity of 0 or less defaults to 100.
func NewStmtCache(capacity int) *StmtCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &StmtCache{
		capacity: capacity,
		items:    make(map[stmtKey]*cachedStmt),
		lru:      list.New(),
	}
}

// acquire returns the statement for query on db, preparing it on a miss.
// The caller must call release when done with the statement.
func (c *StmtCache) acquire(ctx context.Context, db *sql.DB, query string) (*sql.Stmt, func(), error) {
	if stmt, release := c.lookup(db, query); stmt != nil {
		return stmt, release, nil
	}

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	key := stmtKey{db: db, query: query}
	c.mu.Lock()
	defer c.mu.Unlock()
	// a concurrent caller may have prepared the same statement
	if entry, ok := c.items[key]; ok {
		_ = stmt.Close()
		return c.use(entry)
	}
	if len(c.items) >= c.capacity {
		if back := c.lru.Back(); back != nil {
			c.evict(back.Value.(*cachedStmt))
		}
	}
	entry := &cachedStmt{key: key, stmt: stmt}
	entry.elem = c.lru.PushFront(entry)
	c.items[key] = entry
	return c.use(entry)
}

// lookup returns a cached statement without preparing on a miss.
func (c *StmtCache) lookup(db *sql.DB, query string) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[stmtKey{db: db, query: query}]
	if !ok {
		return nil, nil
	}
	stmt, release, _ := c.use(entry)
	return stmt, release
}

// use must be called with c.mu held.
func (c *StmtCache) use(entry *cachedStmt) (*sql.Stmt, func(), error) {
	c.lru.MoveToFront(entry.elem)
	entry.users++
	return entry.stmt, func() { c.release(entry) }, nil
}

// evict must be called with c.mu held.
func (c *StmtCache) evict(entry *cachedStmt) {
	c.lru.Remove(entry.elem)
	delete(c.items, entry.key)
	entry.evicted = true
	if entry.users == 0 {
		_ = entry.stmt.Close()
	}
}

func (c *StmtCache) release(entry *cachedStmt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.users--
	if entry.evicted && entry.users == 0 {
		_ = entry.stmt.Close()
	}
}

// Len returns the number of cached statements.
func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear closes every idle statement and empties the cache. Statements in
// use are closed when released.
func (c *StmtCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.items {
		entry.evicted = true
		if entry.users == 0 {
			_ = entry.stmt.Close()
		}
	}
	c.items = make(map[stmtKey]*cachedStmt)
	c.lru.Init()
}

// prepared returns a cached statement for query when the connection has a
// statement cache; ok is false otherwise and the caller runs query directly.
// Inside a transaction only statements already cached are used, rebound to
// the transaction, since the pool may have no other connection to prepare on.
func (c *Connection) prepared(ctx context.Context, q querier, query string) (stmt *sql.Stmt, release func(), ok bool, err error) {
	if c.stmts == nil {
		return nil, nil, false, nil
	}

	switch q := q.(type) {
	case *sql.DB:
		stmt, release, err = c.stmts.acquire(ctx, q, query)
		return stmt, release, true, err
	case *sql.Tx:
		cached, done := c.stmts.lookup(c.db, query)
		if cached == nil {
			return nil, nil, false, nil
		}
		txStmt := q.StmtContext(ctx, cached)
		return txStmt, func() {
			_ = txStmt.Close()
			done()
		}, true, nil
	}
	return nil, nil, false, nil
}
