package zorel

import (
	"database/sql"
	"errors"
	"sync/atomic"
	"time"
)

// DBResolver decides which pool runs a statement. Statements inside a
// transaction run on it; writes use the primary; reads go to a replica
// unless none is configured or the primary was written to within the
// sticky window.
type DBResolver struct {
	primary  *sql.DB
	replicas []*sql.DB
	lb       LoadBalancer
	sticky   time.Duration

	lastWrite atomic.Int64 // unix nanoseconds
}

// LoadBalancer picks the index of the replica serving the next read among
// n replicas.
type LoadBalancer interface {
	Pick(n int) int
}

// RoundRobinLoadBalancer cycles through the replicas in order.
type RoundRobinLoadBalancer struct {
	counter atomic.Uint64
}

// Pick returns the next index in round-robin order.
func (r *RoundRobinLoadBalancer) Pick(n int) int {
	if n <= 1 {
		return 0
	}
	return int((r.counter.Add(1) - 1) % uint64(n))
}

// ResolverOption configures a DBResolver.
type ResolverOption func(*DBResolver)

// WithPrimary sets the pool used for writes and transactions. When unset,
// the Connection's own pool is used.
func WithPrimary(db *sql.DB) ResolverOption {
	return func(r *DBResolver) {
		r.primary = db
	}
}

// WithReplicas sets the pools serving reads outside transactions.
func WithReplicas(dbs ...*sql.DB) ResolverOption {
	return func(r *DBResolver) {
		r.replicas = dbs
	}
}

// WithLoadBalancer sets how a replica is picked. Default is round-robin.
func WithLoadBalancer(lb LoadBalancer) ResolverOption {
	return func(r *DBResolver) {
		r.lb = lb
	}
}

// WithStickyPrimary routes reads to the primary for d after each write, so
// an eager load following a save does not hit a lagging replica.
func WithStickyPrimary(d time.Duration) ResolverOption {
	return func(r *DBResolver) {
		r.sticky = d
	}
}

// NewResolver builds a DBResolver.
func NewResolver(opts ...ResolverOption) *DBResolver {
	r := &DBResolver{}
	for _, opt := range opts {
		opt(r)
	}
	if r.lb == nil {
		r.lb = &RoundRobinLoadBalancer{}
	}
	return r
}

// route returns the handle for a statement. tx is the transaction carried
// by the caller's context, if any.
func (r *DBResolver) route(tx *sql.Tx, write bool) querier {
	switch {
	case tx != nil:
		return tx
	case write:
		if r.sticky > 0 {
			r.lastWrite.Store(time.Now().UnixNano())
		}
		return r.primary
	default:
		return r.Replica()
	}
}

// Primary returns the primary pool.
func (r *DBResolver) Primary() *sql.DB {
	return r.primary
}

// Replica returns the pool for the next read outside a transaction: a
// replica picked by the load balancer, or the primary when there is none or
// a write happened within the sticky window.
func (r *DBResolver) Replica() *sql.DB {
	if len(r.replicas) == 0 || r.recentlyWritten() {
		return r.primary
	}
	return r.replicas[r.lb.Pick(len(r.replicas))]
}

func (r *DBResolver) recentlyWritten() bool {
	if r.sticky <= 0 {
		return false
	}
	last := r.lastWrite.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < r.sticky
}

// ReplicaAt returns the replica at index, or nil when out of range.
func (r *DBResolver) ReplicaAt(index int) *sql.DB {
	if index < 0 || index >= len(r.replicas) {
		return nil
	}
	return r.replicas[index]
}

// HasReplicas reports whether any replica is configured.
func (r *DBResolver) HasReplicas() bool {
	return len(r.replicas) > 0
}

// Close closes the primary and every replica.
func (r *DBResolver) Close() error {
	var errs []error
	if r.primary != nil {
		errs = append(errs, r.primary.Close())
	}
	for _, db := range r.replicas {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}
