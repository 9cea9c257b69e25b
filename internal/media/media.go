// Package media checks that proof media referenced by completed work exists.
package media

import (
	"context"
	"fmt"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"civicflow/internal/config"
)

// Trusting accepts every positive id. Used when no object store is configured.
type Trusting struct{}

func (Trusting) ExistsAll(_ context.Context, ids []int64) (bool, error) {
	for _, id := range ids {
		if id <= 0 {
			return false, nil
		}
	}
	return true, nil
}

// Static knows a fixed set of media ids.
type Static map[int64]bool

func (s Static) ExistsAll(_ context.Context, ids []int64) (bool, error) {
	for _, id := range ids {
		if !s[id] {
			return false, nil
		}
	}
	return true, nil
}

// statter is the part of *minio.Client the store uses.
type statter interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// ObjectStore looks media up as objects named <prefix><id> in a bucket.
type ObjectStore struct {
	client      statter
	bucket      string
	prefix      string
	concurrency int
}

func NewObjectStore(cfg config.MediaConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media: connect %s: %w", cfg.Endpoint, err)
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, concurrency: 4}, nil
}

func (s *ObjectStore) key(id int64) string {
	return fmt.Sprintf("%s%d", s.prefix, id)
}

// ExistsAll stats every object; a missing one makes the answer false.
func (s *ObjectStore) ExistsAll(ctx context.Context, ids []int64) (bool, error) {
	for _, id := range ids {
		if id <= 0 {
			return false, nil
		}
	}
	missing := make([]bool, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			_, err := s.client.StatObject(ctx, s.bucket, s.key(id), minio.StatObjectOptions{})
			if err == nil {
				return nil
			}
			resp := minio.ToErrorResponse(err)
			if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
				missing[i] = true
				return nil
			}
			return fmt.Errorf("media: stat %s: %w", s.key(id), err)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	for _, m := range missing {
		if m {
			return false, nil
		}
	}
	return true, nil
}
