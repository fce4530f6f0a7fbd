package storage

import (
	"context"
	"errors"
	"fmt"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/brensch/panelpull/internal/config"
)

const gcsPageSize = 1000

// GCSStore reads exports from a Google Cloud Storage bucket.
type GCSStore struct {
	bucket *gcs.BucketHandle
}

func NewGCSStore(ctx context.Context, cfg config.StorageConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client, %w", err)
	}
	return &GCSStore{bucket: client.Bucket(cfg.Bucket)}, nil
}

func (s *GCSStore) ListPage(ctx context.Context, req ListRequest) (Page, error) {
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: req.Prefix, Delimiter: req.Delimiter})
	pager := iterator.NewPager(it, gcsPageSize, req.Token)

	var attrs []*gcs.ObjectAttrs
	next, err := pager.NextPage(&attrs)
	if err != nil {
		return Page{}, fmt.Errorf("failed to get page of GCS objects, %w", err)
	}

	page := Page{NextToken: next}
	for _, a := range attrs {
		// with a delimiter, synthetic prefix entries carry only Prefix
		if a.Prefix != "" {
			page.CommonPrefixes = append(page.CommonPrefixes, a.Prefix)
			continue
		}
		page.Objects = append(page.Objects, RemoteObject{Key: a.Name, LastModified: a.Updated, Size: a.Size})
	}
	return page, nil
}

func (s *GCSStore) Fetch(ctx context.Context, key, destPath string) error {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("object %s does not exist, %w", key, err)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s, %w", key, err)
	}
	defer r.Close()
	return writeToFile(r, destPath)
}
