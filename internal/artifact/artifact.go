// Package artifact stores opaque proof outputs in blob storage and returns
// content identifiers for them.
package artifact

import "context"

const (
	KindProof = "sp1-proof"
	KindElf   = "elf-program"
)

type Store interface {
	Upload(ctx context.Context, data []byte, kind string) (string, error)
	Download(ctx context.Context, blobID string) ([]byte, error)
	Exists(ctx context.Context, blobID string) (bool, error)
}
