package auth

import "time"

const tokenKey = "token"

// Bucket is the subset of a key-value bucket the token store needs.
type Bucket interface {
	Put(key string, value any, ttl time.Duration) error
	Get(key string, out any) (bool, error)
}

// BucketStore persists the token as a single JSON value.
type BucketStore struct {
	bucket Bucket
}

// NewBucketStore wraps a bucket as a TokenStore.
func NewBucketStore(b Bucket) *BucketStore {
	return &BucketStore{bucket: b}
}

// LoadToken returns the stored token, if any.
func (s *BucketStore) LoadToken() (Token, bool, error) {
	var t Token
	ok, err := s.bucket.Get(tokenKey, &t)
	return t, ok, err
}

// SaveToken overwrites the stored token.
func (s *BucketStore) SaveToken(t Token) error {
	return s.bucket.Put(tokenKey, t, 0)
}
