package evidence

import (
	"context"
	"fmt"
	"strings"
)

// Store persists evidence blobs and reads them back for verification.
type Store interface {
	Upload(ctx context.Context, data []byte, suggestedName, mimeType string) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Options selects and configures a backend.
type Options struct {
	Backend        string
	LocalDir       string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

// New builds the configured backend: "local" (default) or "minio".
func New(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "local":
		return NewLocalStore(opts.LocalDir)
	case "minio":
		return NewMinIOStore(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown evidence backend %q", opts.Backend)
	}
}

// cleanName rejects names that could escape the evidence namespace.
func cleanName(name string) (string, error) {
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if name == "" {
		return "", fmt.Errorf("empty evidence name")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid evidence name %q", name)
		}
	}
	return name, nil
}
