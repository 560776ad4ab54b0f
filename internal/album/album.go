// Package album resolves a grouping-resource name to its remote id,
// creating it at most once no matter how many uploads race the first
// resolution.
package album

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Service is the slice of the remote collaborator the resolver needs.
type Service interface {
	ListAlbums(ctx context.Context) ([]Info, error)
	CreateAlbum(ctx context.Context, name string) (string, error)
}

// Info is one remote album.
type Info struct {
	ID   string `json:"id"`
	Name string `json:"albumName"`
}

// Resolver caches name to id for the process lifetime. A per-name lock
// closes the race where N concurrent first-uploads each see "no album
// yet" and each create one.
type Resolver struct {
	svc Service
	log zerolog.Logger

	mu    sync.Mutex
	ids   map[string]string
	locks map[string]*sync.Mutex
}

func NewResolver(svc Service, log zerolog.Logger) *Resolver {
	return &Resolver{
		svc:   svc,
		log:   log.With().Str("component", "album").Logger(),
		ids:   make(map[string]string),
		locks: make(map[string]*sync.Mutex),
	}
}

// Resolve returns the album id for name, creating the album remotely on
// first use. Creation failures are returned without retry and without
// caching; the caller reports a per-item album-assignment failure and
// lets the asset upload stand on its own.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if id, ok := r.cached(name); ok {
		return id, nil
	}

	lock := r.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	// Double-checked: the winner of the lock may have filled the cache.
	if id, ok := r.cached(name); ok {
		return id, nil
	}

	albums, err := r.svc.ListAlbums(ctx)
	if err == nil {
		for _, a := range albums {
			if a.Name == name {
				r.store(name, a.ID)
				return a.ID, nil
			}
		}
	} else {
		r.log.Warn().Err(err).Str("album", name).Msg("album list failed, trying create")
	}

	id, err := r.svc.CreateAlbum(ctx, name)
	if err != nil {
		return "", err
	}
	r.store(name, id)
	r.log.Info().Str("album", name).Str("id", id).Msg("created album")
	return id, nil
}

// Reset invalidates the cache so the next resolution re-queries the
// collaborator. Used when the configured album name changes or a fresh
// client session starts.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = make(map[string]string)
}

func (r *Resolver) cached(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[name]
	return id, ok
}

func (r *Resolver) store(name, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[name] = id
}

func (r *Resolver) nameLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[name] = lock
	}
	return lock
}
