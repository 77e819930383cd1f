package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is the listing metadata of one archived object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads archive objects. PutMultipart streams data of unknown
// length.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads archive objects back. Get returns ErrNotFound for a
// missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// BattleArchiver moves resolved battles and result exports to cold storage.
// Archived objects are never removed by the engine.
type BattleArchiver interface {
	ArchiveBattle(ctx context.Context, matchID string, final BattleState) (string, error)
	ListBattles(ctx context.Context, month time.Time) ([]BlobInfo, error)
	ExportResults(ctx context.Context, before time.Time) (int64, error)
}
