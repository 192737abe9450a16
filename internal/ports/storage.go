// Package ports holds the contracts between the render core and its optional
// back-ends.
package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey is the provider's handle: the key itself for localfs, the
	// Drive file ID for gdrive.
	ObjectKey string
	Size      int64
}

// StorageProvider archives finished renders (localfs, gdrive).
type StorageProvider interface {
	Provider() string
	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
}
