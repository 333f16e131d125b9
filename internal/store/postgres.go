package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/chainmail/internal/chain"
)

// advisoryLockKey serialises snapshot writes from every node sharing the
// database. The value is arbitrary but must be the same on all nodes.
const advisoryLockKey = int64(2_025_060_117)

const chainBlocksDDL = `
CREATE TABLE IF NOT EXISTS chain_blocks (
	node_id       TEXT   NOT NULL,
	idx           INT    NOT NULL,
	timestamp     TEXT   NOT NULL,
	transactions  TEXT   NOT NULL,
	previous_hash TEXT   NOT NULL,
	nonce         BIGINT NOT NULL,
	hash          TEXT   NOT NULL,
	PRIMARY KEY (node_id, idx)
)`

// PostgresStore keeps one row per block, partitioned by node ID so several
// nodes can share a database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	nodeID string
	owned  bool
}

// NewPostgresStore wraps an existing pool. Close does not close the pool.
func NewPostgresStore(pool *pgxpool.Pool, nodeID string) *PostgresStore {
	return &PostgresStore{pool: pool, nodeID: nodeID}
}

// OpenPostgresStore connects to dbURL and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dbURL, nodeID string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, nodeID: nodeID, owned: true}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the chain_blocks table if it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, chainBlocksDDL); err != nil {
		return fmt.Errorf("create chain_blocks: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) (chain.Chain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, timestamp, transactions, previous_hash, nonce, hash
		 FROM chain_blocks WHERE node_id = $1 ORDER BY idx ASC`, s.nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var c chain.Chain
	for rows.Next() {
		var (
			b     chain.Block
			txs   string
			nonce int64
		)
		if err := rows.Scan(&b.Index, &b.Timestamp, &txs, &b.PreviousHash, &nonce, &b.Hash); err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		if err := json.Unmarshal([]byte(txs), &b.Transactions); err != nil {
			return nil, fmt.Errorf("decode transactions of block %d: %w", b.Index, err)
		}
		if b.Index != len(c) {
			return nil, fmt.Errorf("block rows out of sequence at %d", b.Index)
		}
		b.Nonce = uint64(nonce)
		c = append(c, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain rows: %w", err)
	}
	if len(c) == 0 {
		return nil, ErrNoSnapshot
	}
	return c, nil
}

// Save implements Store. The node's rows are replaced inside one transaction
// so readers never observe a partial chain.
func (s *PostgresStore) Save(ctx context.Context, c chain.Chain) error {
	rows := make([][]any, 0, len(c))
	for _, b := range c {
		txs, err := json.Marshal(b.Transactions)
		if err != nil {
			return fmt.Errorf("encode transactions of block %d: %w", b.Index, err)
		}
		rows = append(rows, []any{s.nodeID, b.Index, b.Timestamp, string(txs), b.PreviousHash, int64(b.Nonce), b.Hash})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM chain_blocks WHERE node_id = $1", s.nodeID); err != nil {
		return fmt.Errorf("clear chain rows: %w", err)
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"chain_blocks"},
		[]string{"node_id", "idx", "timestamp", "transactions", "previous_hash", "nonce", "hash"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("insert chain rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chain tx: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
