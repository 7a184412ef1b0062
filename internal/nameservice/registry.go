// Package nameservice provides read/write access to the two flat JSON
// registries the core consults as an external collaborator (spec.md §6
// "Persistent state"): the local proxy registry (ns.local.json) and the
// remote hub registry (ns.hub.json). The schema of those files belongs to
// the name-service itself; this package exposes only the four accessor
// fields the core ever touches — id, name, type, address — plus the
// connection string as an opaque value.
package nameservice

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/proxyd/internal/prxerr"
)

// Kind distinguishes what an Entry identifies.
type Kind string

const (
	KindProxy   Kind = "proxy"
	KindService Kind = "service"
	KindHub     Kind = "hub"
)

// Entry is a single name-service record: id, name, type, address, and an
// opaque connection string. Fields beyond these four accessors plus the
// connection string are the name-service's own business, not the core's.
type Entry struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Type             Kind      `json:"type"`
	Address          string    `json:"address,omitempty"`
	ConnectionString string    `json:"connection_string,omitempty"`
}

// document is the on-disk shape of one registry file.
type document struct {
	Entries []Entry `json:"entries"`
}

// Registry is an in-memory, mutex-guarded view of one registry file with
// load-on-open and atomic-rewrite-on-save semantics.
type Registry struct {
	path string

	mu      sync.RWMutex
	entries map[uuid.UUID]Entry
}

// Open loads the registry at path, creating an empty one if the file does
// not yet exist (a fresh install has neither ns.local.json nor
// ns.hub.json on disk).
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, entries: map[uuid.UUID]Entry{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, prxerr.New(prxerr.DiskIO, err.Error())
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, prxerr.New(prxerr.InvalidFormat, err.Error())
	}
	for _, e := range doc.Entries {
		r.entries[e.ID] = e
	}
	return r, nil
}

// ByID returns the entry with the given id, if present.
func (r *Registry) ByID(id uuid.UUID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// ByName returns the first entry matching name, if any. Names are not
// required to be unique by this package; the caller decides what to do
// with duplicates.
func (r *Registry) ByName(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// All returns every entry currently held, in no particular order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Put inserts or replaces an entry and persists the registry to disk.
func (r *Registry) Put(e Entry) error {
	r.mu.Lock()
	r.entries[e.ID] = e
	err := r.saveLocked()
	r.mu.Unlock()
	return err
}

// Remove deletes an entry by id, if present, and persists the change.
// Reports prxerr.NotFound if no such entry exists.
func (r *Registry) Remove(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return prxerr.New(prxerr.NotFound, "no such name-service entry")
	}
	delete(r.entries, id)
	return r.saveLocked()
}

// saveLocked writes the registry out atomically: encode to a temp file in
// the same directory, then rename over the target, so a crash mid-write
// never leaves a half-written registry behind.
func (r *Registry) saveLocked() error {
	doc := document{Entries: make([]Entry, 0, len(r.entries))}
	for _, e := range r.entries {
		doc.Entries = append(doc.Entries, e)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return prxerr.New(prxerr.InvalidFormat, err.Error())
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return prxerr.New(prxerr.DiskIO, err.Error())
	}

	tmp, err := os.CreateTemp(dir, ".nameservice-*.tmp")
	if err != nil {
		return prxerr.New(prxerr.DiskIO, err.Error())
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return prxerr.New(prxerr.DiskIO, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return prxerr.New(prxerr.DiskIO, err.Error())
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return prxerr.New(prxerr.DiskIO, err.Error())
	}
	return nil
}
