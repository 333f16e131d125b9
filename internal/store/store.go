// Package store persists chain snapshots. Every implementation writes the
// whole chain on Save, so a snapshot on disk is always a complete chain that
// was valid when it was written.
package store

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/chainmail/internal/chain"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = chain.ErrNoSnapshot

// Store loads and saves full chain snapshots.
type Store interface {
	Load(ctx context.Context) (chain.Chain, error)
	Save(ctx context.Context, c chain.Chain) error
	Close() error
}

// Drivers accepted by Open.
const (
	DriverFile     = "file"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Options selects and configures a Store.
type Options struct {
	Driver string
	// Path is the snapshot file (file driver) or database file (bolt driver).
	Path string
	// DatabaseURL and NodeID are used by the postgres driver.
	DatabaseURL string
	NodeID      string
}

// Open returns the Store named by opts.Driver. An empty driver means file.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverFile:
		return NewFileStore(opts.Path), nil
	case DriverBolt:
		return OpenBoltStore(opts.Path)
	case DriverPostgres:
		return OpenPostgresStore(ctx, opts.DatabaseURL, opts.NodeID)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
