// SPDX-License-Identifier: MIT

package subtitle

import (
	"sync"

	"github.com/google/uuid"
)

// Blob is a short-lived in-memory resource holding converted subtitle text.
// The host runtime does not reclaim these in a timely way, so every blob
// must be revoked explicitly.
type Blob struct {
	URL   string
	Owner string
	data  []byte
}

// Data returns the blob body.
func (b *Blob) Data() []byte {
	return b.data
}

// BlobRegistry tracks blobs by owner key and revokes them deterministically
// on unload and on replacement.
type BlobRegistry struct {
	mu    sync.Mutex
	blobs map[string]*Blob // keyed by URL
}

// NewBlobRegistry returns an empty registry.
func NewBlobRegistry() *BlobRegistry {
	return &BlobRegistry{blobs: make(map[string]*Blob)}
}

// Create registers a new blob for owner and returns its handle. Any
// previous blob held by the same owner is revoked first.
func (r *BlobRegistry) Create(owner string, data []byte) *Blob {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, b := range r.blobs {
		if b.Owner == owner {
			delete(r.blobs, url)
		}
	}
	b := &Blob{
		URL:   "blob:telecast/" + uuid.NewString(),
		Owner: owner,
		data:  data,
	}
	r.blobs[b.URL] = b
	return b
}

// Lookup resolves a blob URL.
func (r *BlobRegistry) Lookup(url string) (*Blob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[url]
	return b, ok
}

// Revoke releases one blob by URL.
func (r *BlobRegistry) Revoke(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blobs, url)
}

// RevokeOwner releases every blob held by owner.
func (r *BlobRegistry) RevokeOwner(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, b := range r.blobs {
		if b.Owner == owner {
			delete(r.blobs, url)
		}
	}
}

// RevokeAll releases every blob in the registry.
func (r *BlobRegistry) RevokeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs = make(map[string]*Blob)
}

// Len reports the number of live blobs.
func (r *BlobRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blobs)
}
