package store

import (
	"context"
	"errors"
	"io"
	"regexp"

	"github.com/google/uuid"
)

// ErrNotFound 请求的产物不存在，或者名字不是本服务生成的
var ErrNotFound = errors.New("artifact not found")

const Ext = ".jpg"

var namePattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.jpg$`)

// Store persists annotated images and resolves their names back to content.
type Store interface {
	// Save writes data under a freshly generated "<uuid>.jpg" name and returns that name.
	Save(ctx context.Context, data []byte) (string, error)
	// Open returns the artifact content and its size. Unknown or malformed names yield ErrNotFound.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

// ValidName reports whether name looks like an artifact this service created.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

func newName() string {
	return uuid.NewString() + Ext
}
