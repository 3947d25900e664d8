package xlim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/andreyvit/xlim/lsm"
)

// Backend selects the storage engine under the database.
type Backend string

const (
	BackendLSM    Backend = "lsm"
	BackendBolt   Backend = "bolt"
	BackendBadger Backend = "badger"

	// BackendMemory keeps everything in memory and writes no files; the
	// directory passed to Open is ignored.
	BackendMemory Backend = "memory"
)

// Isolation is the isolation level of a transaction.
type Isolation int

const (
	// Snapshot isolation: reads come from the snapshot taken at Begin,
	// and commits conflict only on concurrent writes to the same document.
	Snapshot Isolation = iota

	// Serializable additionally fails the commit when anything the
	// transaction read (including the result sets of its queries) was
	// changed by a transaction that committed after it began.
	Serializable
)

func (v Isolation) String() string {
	switch v {
	case Snapshot:
		return "snapshot"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("invalid isolation %d", int(v))
	}
}

type Options struct {
	Context context.Context

	Backend Backend

	// LSM engine settings; zero values pick the lsm package defaults.
	MemtableSize          int
	BlockSize             int
	Compression           lsm.Compression
	CompactionTrigger     int
	CompactionBytesPerSec int

	// WALMaxFileSize is the size after which the write-ahead log starts
	// a new segment file.
	WALMaxFileSize int64

	// NoSync skips fsync of the write-ahead log and the engine. Committed
	// transactions may be lost on power failure, but not on a process
	// crash.
	NoSync bool

	DefaultIsolation Isolation

	// MaxRetries bounds the number of times Update re-runs a transaction
	// that failed to commit with ErrConflict.
	MaxRetries int

	Logger  *slog.Logger
	Verbose bool

	// IsTesting trades durability for speed and shrinks buffers.
	IsTesting bool
}

const DefaultMaxRetries = 10

func (o Options) withDefaults() Options {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Backend == "" {
		o.Backend = BackendLSM
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.IsTesting {
		o.NoSync = true
		if o.MemtableSize == 0 {
			o.MemtableSize = 256 * 1024
		}
		if o.WALMaxFileSize == 0 {
			o.WALMaxFileSize = 256 * 1024
		}
	}
	return o
}
