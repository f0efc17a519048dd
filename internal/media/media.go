// Package media hosts listing images in object storage and addresses them
// the way the public API does: by URL on the way out, by public ID on the
// way back in.
//
// An object's public ID is "<folder>/<name>" and doubles as its object key.
// Keys deliberately carry no file extension, so the ID recovered from a
// public URL always matches the stored object.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/carlot-app/apiserver/internal/storage"
	"github.com/google/uuid"
)

// Store is the media-host surface the car service depends on.
type Store interface {
	// Upload stores one image and returns its public URL.
	Upload(ctx context.Context, r io.Reader, size int64, contentType string) (string, error)

	// Destroy removes the object identified by publicID.
	Destroy(ctx context.Context, publicID string) error
}

// ObjectStore serves images out of an object-storage bucket.
type ObjectStore struct {
	storage *storage.Storage
	baseURL string
	folder  string
}

// NewObjectStore constructs a media store over the given bucket.
// baseURL is the externally reachable base under which the bucket is served.
func NewObjectStore(st *storage.Storage, baseURL, folder string) (*ObjectStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("media base url is required")
	}
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		return nil, errors.New("media folder is required")
	}
	return &ObjectStore{
		storage: st,
		baseURL: baseURL,
		folder:  folder,
	}, nil
}

// Upload stores one image under a fresh public ID and returns its URL.
func (s *ObjectStore) Upload(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	publicID := fmt.Sprintf("%s/%s", s.folder, uuid.NewString())
	if err := s.storage.Put(ctx, publicID, r, size, contentType); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", s.baseURL, s.storage.Bucket(), publicID), nil
}

// Destroy removes the object identified by publicID.
func (s *ObjectStore) Destroy(ctx context.Context, publicID string) error {
	if strings.TrimSpace(publicID) == "" {
		return errors.New("public id is required")
	}
	return s.storage.Delete(ctx, publicID)
}

// PublicIDFromURL derives the media object identifier from a public URL:
// the last two path segments, with the file extension stripped from the
// final one. E.g. "https://host/cars/abc123.jpg" yields "cars/abc123".
// The derivation mirrors how Upload names objects and is a documented
// contract with the media store.
func PublicIDFromURL(rawURL string) string {
	trimmed := strings.Trim(strings.TrimSpace(rawURL), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return ""
	}
	folder := parts[len(parts)-2]
	name := parts[len(parts)-1]
	name = strings.TrimSuffix(name, path.Ext(name))
	if folder == "" || name == "" {
		return ""
	}
	return folder + "/" + name
}
