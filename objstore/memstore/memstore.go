// Package memstore provides a simple in-memory implementation of
// objstore.Store, used by tests and by the "memory" backend.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"ocistore.dev/go/ocistore/objstore"
)

// Store implements objstore.Store with maps. It is safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]*upload
}

type upload struct {
	key   string
	parts map[int32][]byte
}

var _ objstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		objects: make(map[string][]byte),
		uploads: make(map[string]*upload),
	}
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *Store) Put(ctx context.Context, key string, size int64, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("content length %d does not match declared size %d", len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Store) CreateMultipart(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.uploads[id] = &upload{
		key:   key,
		parts: make(map[int32][]byte),
	}
	return id, nil
}

func (s *Store) UploadPart(ctx context.Context, key, uploadID string, number int32, size int64, content io.Reader) (objstore.Part, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return objstore.Part{}, err
	}
	if int64(len(data)) != size {
		return objstore.Part{}, fmt.Errorf("part length %d does not match declared size %d", len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return objstore.Part{}, fmt.Errorf("no multipart upload %q for key %q", uploadID, key)
	}
	up.parts[number] = data
	return objstore.Part{
		Number: number,
		ETag:   digest.FromBytes(data).String(),
	}, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []objstore.Part, finalKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return fmt.Errorf("no multipart upload %q for key %q", uploadID, key)
	}
	sorted := append([]objstore.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Number < sorted[j].Number
	})
	var composed []byte
	for _, p := range sorted {
		data, ok := up.parts[p.Number]
		if !ok {
			return fmt.Errorf("multipart upload %q has no part %d", uploadID, p.Number)
		}
		composed = append(composed, data...)
	}
	s.objects[finalKey] = composed
	delete(s.uploads, uploadID)
	return nil
}

func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	return nil
}
