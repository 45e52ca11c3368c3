// Package manifeststore is the durable, ordered catalogue of service
// manifests and groups: one YAML document per service plus one groups
// document, written atomically via stage-and-rename. Corrupt or partially
// written files are skipped with a diagnostic on reload rather than failing
// boot.
package manifeststore

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/perr"
)

const manifestsSubdir = "manifests"
const groupsFile = "groups.yaml"

// Store is the durable manifest + group catalogue. All access goes through
// an in-memory copy guarded by a single lock; reads hand out clones so
// callers never alias stored state.
type Store struct {
	dir string
	log zerolog.Logger

	mu        sync.Mutex
	manifests map[model.ServiceId]*model.Manifest
	groups    []model.Group
}

// Open loads (or initializes) a Store rooted at dataDir.
func Open(dataDir string, log zerolog.Logger) (*Store, error) {
	manifestsDir := filepath.Join(dataDir, manifestsSubdir)
	if err := os.MkdirAll(manifestsDir, 0o755); err != nil {
		return nil, perr.Wrap(err, "create manifests directory")
	}

	s := &Store{
		dir:       dataDir,
		log:       log,
		manifests: make(map[model.ServiceId]*model.Manifest),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) manifestPath(id model.ServiceId) string {
	return filepath.Join(s.dir, manifestsSubdir, string(id)+".yaml")
}

func (s *Store) groupsPath() string {
	return filepath.Join(s.dir, groupsFile)
}

// reload reads every manifest file and the groups file from disk, tolerating
// (and logging) corrupt or partially written files rather than failing boot.
func (s *Store) reload() error {
	entries, err := os.ReadDir(filepath.Join(s.dir, manifestsSubdir))
	if err != nil {
		return perr.Wrap(err, "read manifests directory")
	}

	manifests := make(map[model.ServiceId]*model.Manifest, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(s.dir, manifestsSubdir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("manifeststore: skipping unreadable manifest")
			continue
		}
		var m model.Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("manifeststore: skipping corrupt manifest")
			continue
		}
		if m.ID == "" {
			s.log.Warn().Str("path", path).Msg("manifeststore: skipping manifest with empty id")
			continue
		}
		manifests[m.ID] = &m
	}

	var groups []model.Group
	if data, err := os.ReadFile(s.groupsPath()); err == nil {
		if uerr := yaml.Unmarshal(data, &groups); uerr != nil {
			s.log.Warn().Err(uerr).Msg("manifeststore: skipping corrupt groups file")
			groups = nil
		}
	} else if !os.IsNotExist(err) {
		return perr.Wrap(err, "read groups file")
	}

	s.mu.Lock()
	s.manifests = manifests
	s.groups = groups
	s.mu.Unlock()
	return nil
}

// stageAndRename writes data to a temp file in dir then renames it over
// path, making the write atomic at the filesystem level.
func stageAndRename(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// List returns all manifests sorted by (group, order). Order is a sort key
// within a group and, separately, among ungrouped services.
func (s *Store) List() []*model.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// Get returns a copy of the manifest for id, or perr.ErrNotFound.
func (s *Store) Get(id model.ServiceId) (*model.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[id]
	if !ok {
		return nil, perr.Wrapf(perr.ErrNotFound, "service %q", id)
	}
	return m.Clone(), nil
}

// Create persists a new manifest. Fails with perr.ErrAlreadyExists if id is
// taken, or perr.ErrInvalidArgument if id fails validation.
func (s *Store) Create(m *model.Manifest) error {
	if !m.ID.Valid() {
		return perr.Wrapf(perr.ErrInvalidArgument, "service id %q", m.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.manifests[m.ID]; ok {
		return perr.Wrapf(perr.ErrAlreadyExists, "service %q", m.ID)
	}

	clone := m.Clone()
	clone.Revision = 1
	if err := s.persistManifestLocked(clone); err != nil {
		return err
	}
	s.manifests[m.ID] = clone
	return nil
}

// Update overwrites the manifest for id, bumping Revision. Fails with
// perr.ErrNotFound if id is unknown.
func (s *Store) Update(id model.ServiceId, m *model.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.manifests[id]
	if !ok {
		return perr.Wrapf(perr.ErrNotFound, "service %q", id)
	}

	clone := m.Clone()
	clone.ID = id
	clone.Revision = existing.Revision + 1
	if err := s.persistManifestLocked(clone); err != nil {
		return err
	}
	s.manifests[id] = clone
	return nil
}

// Delete removes the manifest for id. The caller (internal/supervisor) is
// responsible for refusing deletion of a service whose runtime is not
// Stopped; this package has no visibility into runtime state.
func (s *Store) Delete(id model.ServiceId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.manifests[id]; !ok {
		return perr.Wrapf(perr.ErrNotFound, "service %q", id)
	}
	if err := os.Remove(s.manifestPath(id)); err != nil && !os.IsNotExist(err) {
		return perr.Wrap(err, "delete manifest file")
	}
	delete(s.manifests, id)
	return nil
}

func (s *Store) persistManifestLocked(m *model.Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return perr.Wrap(err, "marshal manifest")
	}
	if err := stageAndRename(s.manifestPath(m.ID), data); err != nil {
		return perr.Wrap(err, "write manifest file")
	}
	return nil
}

// ReorderEntry is one (id, group, order) triple for Reorder.
type ReorderEntry struct {
	ID    model.ServiceId
	Group string
	Order int
}

// Reorder updates group membership and order for a set of services. Every
// id is checked before anything is written, so an unknown id applies no
// entry. Each manifest file is then written in turn; a write failure leaves
// the entries before it applied.
func (s *Store) Reorder(entries []ReorderEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.manifests[e.ID]; !ok {
			return perr.Wrapf(perr.ErrNotFound, "service %q", e.ID)
		}
	}

	for _, e := range entries {
		m := s.manifests[e.ID].Clone()
		m.Group = e.Group
		m.Order = e.Order
		m.Revision++
		if err := s.persistManifestLocked(m); err != nil {
			return err
		}
		s.manifests[e.ID] = m
	}
	return nil
}

// ListGroups returns all groups sorted by Order.
func (s *Store) ListGroups() []model.Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]model.Group(nil), s.groups...)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// CreateGroup appends a new group and persists the groups file.
func (s *Store) CreateGroup(g model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.groups {
		if existing.ID == g.ID {
			return perr.Wrapf(perr.ErrAlreadyExists, "group %q", g.ID)
		}
	}
	groups := append(s.groups, g)
	if err := s.persistGroupsLocked(groups); err != nil {
		return err
	}
	s.groups = groups
	return nil
}

// UpdateGroup replaces the group matching g.ID.
func (s *Store) UpdateGroup(g model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := append([]model.Group(nil), s.groups...)
	found := false
	for i := range groups {
		if groups[i].ID == g.ID {
			groups[i] = g
			found = true
			break
		}
	}
	if !found {
		return perr.Wrapf(perr.ErrNotFound, "group %q", g.ID)
	}
	if err := s.persistGroupsLocked(groups); err != nil {
		return err
	}
	s.groups = groups
	return nil
}

// DeleteGroup removes the group with the given id. Services that referenced
// it keep their Group field as-is.
func (s *Store) DeleteGroup(id model.GroupId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make([]model.Group, 0, len(s.groups))
	found := false
	for _, g := range s.groups {
		if g.ID == id {
			found = true
			continue
		}
		groups = append(groups, g)
	}
	if !found {
		return perr.Wrapf(perr.ErrNotFound, "group %q", id)
	}
	if err := s.persistGroupsLocked(groups); err != nil {
		return err
	}
	s.groups = groups
	return nil
}

// ReorderGroups updates the Order field of existing groups by id.
func (s *Store) ReorderGroups(order map[model.GroupId]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := append([]model.Group(nil), s.groups...)
	for i := range groups {
		if o, ok := order[groups[i].ID]; ok {
			groups[i].Order = o
		}
	}
	if err := s.persistGroupsLocked(groups); err != nil {
		return err
	}
	s.groups = groups
	return nil
}

func (s *Store) persistGroupsLocked(groups []model.Group) error {
	data, err := yaml.Marshal(groups)
	if err != nil {
		return perr.Wrap(err, "marshal groups")
	}
	if err := stageAndRename(s.groupsPath(), data); err != nil {
		return perr.Wrap(err, "write groups file")
	}
	return nil
}
