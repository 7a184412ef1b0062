package nameservice

import (
	"path/filepath"

	"github.com/google/uuid"
)

const (
	localFileName = "ns.local.json"
	hubFileName   = "ns.hub.json"
)

// Store bundles the local proxy registry and the remote hub registry, the
// two JSON files spec.md §6 names as the core's only persistent state.
type Store struct {
	Local *Registry
	Hub   *Registry
}

// OpenStore opens both registries under dataDir, creating either file on
// first write if it does not already exist.
func OpenStore(dataDir string) (*Store, error) {
	local, err := Open(filepath.Join(dataDir, localFileName))
	if err != nil {
		return nil, err
	}
	hub, err := Open(filepath.Join(dataDir, hubFileName))
	if err != nil {
		return nil, err
	}
	return &Store{Local: local, Hub: hub}, nil
}

// Install registers name against connectionString in the hub registry and
// records the corresponding local entry, per spec.md §6's
// `--install --connection-string <cs> [--name <name>]` CLI surface. Returns
// the id assigned to the new entry.
func (s *Store) Install(name, connectionString string) (uuid.UUID, error) {
	id := uuid.New()

	if err := s.Hub.Put(Entry{
		ID:               id,
		Name:             name,
		Type:             KindHub,
		ConnectionString: connectionString,
	}); err != nil {
		return uuid.Nil, err
	}

	if err := s.Local.Put(Entry{
		ID:               id,
		Name:             name,
		Type:             KindProxy,
		ConnectionString: connectionString,
	}); err != nil {
		return uuid.Nil, err
	}

	return id, nil
}

// Uninstall reverses Install: it removes any local/hub entries whose
// connection string matches, per spec.md §6's `--uninstall` surface. A
// missing entry in either registry is not an error — uninstall is
// idempotent with respect to a partially-completed prior install.
func (s *Store) Uninstall(name, connectionString string) error {
	for _, e := range s.Hub.All() {
		if matches(e, name, connectionString) {
			if err := s.Hub.Remove(e.ID); err != nil {
				return err
			}
		}
	}
	for _, e := range s.Local.All() {
		if matches(e, name, connectionString) {
			if err := s.Local.Remove(e.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func matches(e Entry, name, connectionString string) bool {
	if connectionString != "" {
		return e.ConnectionString == connectionString
	}
	return e.Name == name
}
