// Package directory implements the peer directory service: nodes announce
// themselves with heartbeats and clients list the nodes seen recently.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/chainmail/internal/discovery"
)

// DefaultActiveWindow is how recently a node must have sent a heartbeat to be
// listed.
const DefaultActiveWindow = time.Minute

// ErrMissingURL is returned when a heartbeat carries no URL.
var ErrMissingURL = errors.New("missing URL")

// Repository stores directory entries.
type Repository interface {
	// Upsert records a heartbeat from url at time at.
	Upsert(ctx context.Context, url string, port int, at time.Time) (*discovery.Node, error)
	// Active returns nodes seen at or after since, oldest registration first.
	Active(ctx context.Context, since time.Time) ([]discovery.Node, error)
	// Prune deletes nodes last seen before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu    sync.RWMutex
	nodes map[string]*memNode
	seq   int
}

type memNode struct {
	node discovery.Node
	seq  int
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nodes: make(map[string]*memNode)}
}

// Upsert implements Repository.
func (r *MemoryRepository) Upsert(_ context.Context, url string, port int, at time.Time) (*discovery.Node, error) {
	if url == "" {
		return nil, ErrMissingURL
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[url]
	if !ok {
		r.seq++
		n = &memNode{seq: r.seq}
		r.nodes[url] = n
	}
	n.node = discovery.Node{URL: url, Port: port, LastSeen: at.UTC()}
	out := n.node
	return &out, nil
}

// Active implements Repository.
func (r *MemoryRepository) Active(_ context.Context, since time.Time) ([]discovery.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := make([]*memNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if !n.node.LastSeen.Before(since) {
			live = append(live, n)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })

	out := make([]discovery.Node, len(live))
	for i, n := range live {
		out[i] = n.node
	}
	return out, nil
}

// Prune implements Repository.
func (r *MemoryRepository) Prune(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for url, e := range r.nodes {
		if e.node.LastSeen.Before(cutoff) {
			delete(r.nodes, url)
			n++
		}
	}
	return n, nil
}

const directoryNodesDDL = `
CREATE TABLE IF NOT EXISTS directory_nodes (
	url        TEXT        PRIMARY KEY,
	port       INT         NOT NULL DEFAULT 0,
	last_seen  TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS directory_nodes_last_seen ON directory_nodes (last_seen)`

// PostgresRepository stores directory entries in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the directory_nodes table if it is missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, directoryNodesDDL); err != nil {
		return fmt.Errorf("create directory_nodes: %w", err)
	}
	return nil
}

// Upsert implements Repository.
func (r *PostgresRepository) Upsert(ctx context.Context, url string, port int, at time.Time) (*discovery.Node, error) {
	if url == "" {
		return nil, ErrMissingURL
	}
	n := &discovery.Node{}
	if err := r.db.QueryRow(ctx, `
		INSERT INTO directory_nodes (url, port, last_seen) VALUES ($1, $2, $3)
		ON CONFLICT (url) DO UPDATE SET port = EXCLUDED.port, last_seen = EXCLUDED.last_seen
		RETURNING url, port, last_seen`,
		url, port, at.UTC(),
	).Scan(&n.URL, &n.Port, &n.LastSeen); err != nil {
		return nil, fmt.Errorf("upsert node: %w", err)
	}
	return n, nil
}

// Active implements Repository.
func (r *PostgresRepository) Active(ctx context.Context, since time.Time) ([]discovery.Node, error) {
	rows, err := r.db.Query(ctx,
		`SELECT url, port, last_seen FROM directory_nodes
		 WHERE last_seen >= $1 ORDER BY created_at ASC, url ASC`, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []discovery.Node
	for rows.Next() {
		var n discovery.Node
		if err := rows.Scan(&n.URL, &n.Port, &n.LastSeen); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Prune implements Repository.
func (r *PostgresRepository) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM directory_nodes WHERE last_seen < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune nodes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
