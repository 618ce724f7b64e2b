package ports

import (
	"context"
	"io"
)

// FileStore persists binary payloads under a bare file name.
type FileStore interface {
	Save(ctx context.Context, name string, r io.Reader) error
	Exists(ctx context.Context, name string) (bool, error)
}
