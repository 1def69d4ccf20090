package artifacts

import (
	"context"
	"fmt"
)

// objectBucket is the part of a remote object store that blob stores need.
// get returns ErrNotFound (possibly wrapped) for a missing key.
type objectBucket interface {
	put(ctx context.Context, key string, data []byte, digest string) error
	get(ctx context.Context, key string) ([]byte, error)
	exists(ctx context.Context, key string) (bool, error)
	remove(ctx context.Context, key string) error
}

// bucketStore implements Store over an objectBucket. Writes are skipped when
// the digest is already present and reads are re-hashed, so a corrupted or
// substituted object is never returned.
type bucketStore struct {
	bucket objectBucket
	prefix string
	kind   string
}

func (s bucketStore) key(hash string) (string, error) {
	raw, err := parseDigest(hash)
	if err != nil {
		return "", err
	}
	return objectKey(s.prefix, raw), nil
}

func (s bucketStore) Store(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	key, _ := s.key(digest)
	if ok, err := s.bucket.exists(ctx, key); err == nil && ok {
		return digest, nil
	}
	if err := s.bucket.put(ctx, key, data, digest); err != nil {
		return "", fmt.Errorf("%s put %s: %w", s.kind, digest, err)
	}
	return digest, nil
}

func (s bucketStore) Get(ctx context.Context, hash string) ([]byte, error) {
	key, err := s.key(hash)
	if err != nil {
		return nil, err
	}
	data, err := s.bucket.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%s get %s: %w", s.kind, hash, err)
	}
	if got := Digest(data); got != hash {
		return nil, fmt.Errorf("%s object %s is corrupt: content hashes to %s", s.kind, hash, got)
	}
	return data, nil
}

func (s bucketStore) Exists(ctx context.Context, hash string) (bool, error) {
	key, err := s.key(hash)
	if err != nil {
		return false, err
	}
	ok, err := s.bucket.exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%s head %s: %w", s.kind, hash, err)
	}
	return ok, nil
}

func (s bucketStore) Delete(ctx context.Context, hash string) error {
	key, err := s.key(hash)
	if err != nil {
		return err
	}
	if err := s.bucket.remove(ctx, key); err != nil {
		return fmt.Errorf("%s delete %s: %w", s.kind, hash, err)
	}
	return nil
}
