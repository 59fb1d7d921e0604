// Package catalogue holds the saved connection profiles: sessions organised
// in a tree of groups, persisted as one JSON document.
package catalogue

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vyrti/redpill/internal/credentials"
)

var (
	ErrGroupNotFound   = errors.New("catalogue: group not found")
	ErrSessionNotFound = errors.New("catalogue: session not found")
	// ErrGroupCycle is returned when a group would become its own ancestor.
	ErrGroupCycle = errors.New("catalogue: group cannot be moved under itself or a descendant")
	// ErrGroupNotEmpty is returned by DeleteGroup for a group that still has
	// child groups or sessions.
	ErrGroupNotEmpty  = errors.New("catalogue: group has children")
	ErrInvalidGroup   = errors.New("catalogue: invalid group")
	ErrInvalidSession = errors.New("catalogue: invalid session")
)

// Catalogue is the in-memory catalogue. Every mutation is persisted before
// it returns; a failed save leaves the in-memory state unchanged.
// Methods return copies, so callers never alias catalogue state.
type Catalogue struct {
	storage Storage
	secrets credentials.Store

	mu       sync.RWMutex
	groups   []Group
	sessions []Session
}

// Open loads the catalogue from storage. secrets may be nil; when set,
// deleting a session also deletes its stored secrets.
func Open(storage Storage, secrets credentials.Store) (*Catalogue, error) {
	c := &Catalogue{storage: storage, secrets: secrets}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload replaces the in-memory state with the stored document.
func (c *Catalogue) Reload() error {
	doc, err := c.storage.Load()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = doc.Groups
	c.sessions = doc.Sessions
	log.Debug().Int("groups", len(c.groups)).Int("sessions", len(c.sessions)).Msg("catalogue loaded")
	return nil
}

// Backup snapshots the stored document when the storage supports it.
func (c *Catalogue) Backup() (string, error) {
	b, ok := c.storage.(interface{ Backup() (string, error) })
	if !ok {
		return "", errors.New("catalogue: storage does not support backups")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return b.Backup()
}

// mutate applies fn to copies of the state, persists the result and only
// then commits it. Must not be called with c.mu held.
func (c *Catalogue) mutate(fn func(groups []Group, sessions []Session) ([]Group, []Session, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	groups := make([]Group, len(c.groups))
	for i, g := range c.groups {
		groups[i] = g.clone()
	}
	sessions := make([]Session, len(c.sessions))
	for i, s := range c.sessions {
		sessions[i] = s.clone()
	}

	groups, sessions, err := fn(groups, sessions)
	if err != nil {
		return err
	}
	if err := c.storage.Save(&Document{Groups: groups, Sessions: sessions}); err != nil {
		return err
	}
	c.groups, c.sessions = groups, sessions
	return nil
}

func findGroup(groups []Group, id string) int {
	for i := range groups {
		if groups[i].ID == id {
			return i
		}
	}
	return -1
}

func findSession(sessions []Session, id string) int {
	for i := range sessions {
		if sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// isDescendant reports whether candidate lies in the subtree rooted at
// ancestor (candidate == ancestor counts). The walk is bounded so a corrupt
// document with a cycle cannot loop forever.
func isDescendant(groups []Group, candidate, ancestor string) bool {
	cur := candidate
	for steps := 0; steps <= len(groups); steps++ {
		if cur == ancestor {
			return true
		}
		i := findGroup(groups, cur)
		if i < 0 || groups[i].ParentID == nil {
			return false
		}
		cur = *groups[i].ParentID
	}
	return true
}

func checkParent(groups []Group, groupID string, parentID *string) error {
	if parentID == nil {
		return nil
	}
	if findGroup(groups, *parentID) < 0 {
		return fmt.Errorf("%w: parent %s", ErrGroupNotFound, *parentID)
	}
	if groupID != "" && isDescendant(groups, *parentID, groupID) {
		return ErrGroupCycle
	}
	return nil
}

// === Groups ===

// AddGroup stores g. An empty ID is filled in. Returns the stored group.
func (c *Catalogue) AddGroup(g Group) (Group, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return Group{}, fmt.Errorf("%w: name is required", ErrInvalidGroup)
	}
	g = g.clone()
	err := c.mutate(func(groups []Group, sessions []Session) ([]Group, []Session, error) {
		if findGroup(groups, g.ID) >= 0 {
			return nil, nil, fmt.Errorf("%w: id %s already exists", ErrInvalidGroup, g.ID)
		}
		if err := checkParent(groups, "", g.ParentID); err != nil {
			return nil, nil, err
		}
		return append(groups, g), sessions, nil
	})
	if err != nil {
		return Group{}, err
	}
	log.Info().Str("group_id", g.ID).Str("name", g.Name).Msg("group added")
	return g.clone(), nil
}

// UpdateGroup replaces the group with g.ID. A changed parent is
// cycle-checked like MoveGroup.
func (c *Catalogue) UpdateGroup(g Group) error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidGroup)
	}
	g = g.clone()
	return c.mutate(func(groups []Group, sessions []Session) ([]Group, []Session, error) {
		i := findGroup(groups, g.ID)
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrGroupNotFound, g.ID)
		}
		if !strEq(groups[i].ParentID, g.ParentID) {
			if err := checkParent(groups, g.ID, g.ParentID); err != nil {
				return nil, nil, err
			}
		}
		groups[i] = g
		return groups, sessions, nil
	})
}

// MoveGroup reparents a group; nil makes it top-level. Moving a group under
// itself or one of its descendants fails with ErrGroupCycle.
func (c *Catalogue) MoveGroup(groupID string, parentID *string) error {
	parentID = cloneStr(parentID)
	return c.mutate(func(groups []Group, sessions []Session) ([]Group, []Session, error) {
		i := findGroup(groups, groupID)
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
		}
		if err := checkParent(groups, groupID, parentID); err != nil {
			return nil, nil, err
		}
		groups[i].ParentID = parentID
		return groups, sessions, nil
	})
}

// DeleteGroup removes an empty group.
func (c *Catalogue) DeleteGroup(id string) error {
	err := c.mutate(func(groups []Group, sessions []Session) ([]Group, []Session, error) {
		i := findGroup(groups, id)
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
		for _, g := range groups {
			if g.ParentID != nil && *g.ParentID == id {
				return nil, nil, ErrGroupNotEmpty
			}
		}
		for _, s := range sessions {
			if s.GroupID != nil && *s.GroupID == id {
				return nil, nil, ErrGroupNotEmpty
			}
		}
		return append(groups[:i], groups[i+1:]...), sessions, nil
	})
	if err == nil {
		log.Info().Str("group_id", id).Msg("group deleted")
	}
	return err
}

// DeleteGroupRecursive removes a group, its descendant groups and every
// session in them, including stored secrets.
func (c *Catalogue) DeleteGroupRecursive(id string) error {
	var removed []string
	err := c.mutate(func(groups []Group, sessions []Session) ([]Group, []Session, error) {
		if findGroup(groups, id) < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
		keptGroups := groups[:0]
		subtree := make(map[string]bool)
		for _, g := range groups {
			if isDescendant(groups, g.ID, id) {
				subtree[g.ID] = true
			}
		}
		for _, g := range groups {
			if !subtree[g.ID] {
				keptGroups = append(keptGroups, g)
			}
		}
		var keptSessions []Session
		for _, s := range sessions {
			if s.GroupID != nil && subtree[*s.GroupID] {
				removed = append(removed, s.ID)
				continue
			}
			keptSessions = append(keptSessions, s)
		}
		return keptGroups, keptSessions, nil
	})
	if err != nil {
		return err
	}
	for _, sid := range removed {
		c.deleteSecrets(sid)
	}
	log.Info().Str("group_id", id).Int("sessions", len(removed)).Msg("group deleted recursively")
	return nil
}

// Group returns the group with id.
func (c *Catalogue) Group(id string) (Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := findGroup(c.groups, id)
	if i < 0 {
		return Group{}, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return c.groups[i].clone(), nil
}

// Groups returns every group in document order.
func (c *Catalogue) Groups() []Group {
	return c.filterGroups(func(Group) bool { return true })
}

// TopLevelGroups returns groups without a parent.
func (c *Catalogue) TopLevelGroups() []Group {
	return c.filterGroups(func(g Group) bool { return g.ParentID == nil })
}

// ChildGroups returns the direct children of parentID.
func (c *Catalogue) ChildGroups(parentID string) []Group {
	return c.filterGroups(func(g Group) bool { return g.ParentID != nil && *g.ParentID == parentID })
}

func (c *Catalogue) filterGroups(keep func(Group) bool) []Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Group, 0, len(c.groups))
	for _, g := range c.groups {
		if keep(g) {
			out = append(out, g.clone())
		}
	}
	return out
}

// === Sessions ===

// AddSession validates and stores s. An empty ID is filled in.
func (c *Catalogue) AddSession(s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s = s.clone()
	if err := s.normalize(); err != nil {
		return Session{}, err
	}
	err := c.mutate(func(groups []Group, sessions []Session) ([]Group, []Session, error) {
		if findSession(sessions, s.ID) >= 0 {
			return nil, nil, fmt.Errorf("%w: id %s already exists", ErrInvalidSession, s.ID)
		}
		if s.GroupID != nil && findGroup(groups, *s.GroupID) < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrGroupNotFound, *s.GroupID)
		}
		return groups, append(sessions, s), nil
	})
	if err != nil {
		return Session{}, err
	}
	log.Info().Str("session_id", s.ID).Str("name", s.Name).Str("type", string(s.Type)).Msg("session added")
	return s.clone(), nil
}

// UpdateSession replaces the session with s.ID.
func (c *Catalogue) UpdateSession(s Session) (Session, error) {
	s = s.clone()
	if err := s.normalize(); err != nil {
		return Session{}, err
	}
	err := c.mutate(func(groups []Group, sessions []Session) ([]Group, []Session, error) {
		i := findSession(sessions, s.ID)
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, s.ID)
		}
		if s.GroupID != nil && findGroup(groups, *s.GroupID) < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrGroupNotFound, *s.GroupID)
		}
		sessions[i] = s
		return groups, sessions, nil
	})
	if err != nil {
		return Session{}, err
	}
	return s.clone(), nil
}

// DeleteSession removes a session and its stored secrets.
func (c *Catalogue) DeleteSession(id string) error {
	err := c.mutate(func(groups []Group, sessions []Session) ([]Group, []Session, error) {
		i := findSession(sessions, id)
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return groups, append(sessions[:i], sessions[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	c.deleteSecrets(id)
	log.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

func (c *Catalogue) deleteSecrets(sessionID string) {
	if c.secrets == nil {
		return
	}
	if err := c.secrets.DeleteSecrets(sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("deleting stored secrets")
	}
}

// MoveSessionToGroup sets the session's group; nil ungroups it.
func (c *Catalogue) MoveSessionToGroup(sessionID string, groupID *string) error {
	groupID = cloneStr(groupID)
	return c.mutate(func(groups []Group, sessions []Session) ([]Group, []Session, error) {
		if groupID != nil && findGroup(groups, *groupID) < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrGroupNotFound, *groupID)
		}
		i := findSession(sessions, sessionID)
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		sessions[i].GroupID = groupID
		return groups, sessions, nil
	})
}

// Session returns the session with id.
func (c *Catalogue) Session(id string) (Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := findSession(c.sessions, id)
	if i < 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return c.sessions[i].clone(), nil
}

// Sessions returns every session in document order.
func (c *Catalogue) Sessions() []Session {
	return c.filterSessions(func(Session) bool { return true })
}

// SessionsInGroup returns the sessions directly in groupID, in document
// order. Nested groups are not included.
func (c *Catalogue) SessionsInGroup(groupID string) ([]Session, error) {
	if _, err := c.Group(groupID); err != nil {
		return nil, err
	}
	return c.filterSessions(func(s Session) bool { return s.GroupID != nil && *s.GroupID == groupID }), nil
}

// SessionsInGroupRecursive returns the sessions of groupID followed, depth
// first, by those of its descendant groups.
func (c *Catalogue) SessionsInGroupRecursive(groupID string) ([]Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if findGroup(c.groups, groupID) < 0 {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}

	var out []Session
	visited := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, s := range c.sessions {
			if s.GroupID != nil && *s.GroupID == id {
				out = append(out, s.clone())
			}
		}
		for _, g := range c.groups {
			if g.ParentID != nil && *g.ParentID == id {
				walk(g.ID)
			}
		}
	}
	walk(groupID)
	return out, nil
}

// UngroupedSessions returns sessions without a group.
func (c *Catalogue) UngroupedSessions() []Session {
	return c.filterSessions(func(s Session) bool { return s.GroupID == nil })
}

func (c *Catalogue) filterSessions(keep func(Session) bool) []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if keep(s) {
			out = append(out, s.clone())
		}
	}
	return out
}
