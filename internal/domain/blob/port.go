package blob

import "context"

// Store port for content-addressed artifact storage. Keys are plain path
// strings; no versioning is assumed.
type Store interface {
	// Download fetches the object at key into localPath. Existing local
	// files are reused.
	Download(ctx context.Context, key, localPath string) (string, error)

	// Upload stores localPath at key and returns the object URI.
	Upload(ctx context.Context, localPath, key string) (string, error)

	// UploadAndCleanup uploads then removes the local file.
	UploadAndCleanup(ctx context.Context, localPath, key string) (string, error)
}
