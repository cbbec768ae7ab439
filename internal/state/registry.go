package state

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Register adds or re-registers a group. Folder uniqueness is enforced
// across all groups: a folder may only be reused by the same jid.
func (s *Store) Register(g RegisteredGroup) error {
	if g.JID == "" {
		return fmt.Errorf("state: register: jid is required")
	}
	if g.Folder == "" {
		return fmt.Errorf("state: register: folder is required")
	}
	if !validFolder(g.Folder) {
		return fmt.Errorf("state: register: folder %q contains path characters", g.Folder)
	}
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for jid, existing := range s.groups {
		if existing.Folder == g.Folder && jid != g.JID {
			return fmt.Errorf("state: register: folder %q already used by %s", g.Folder, jid)
		}
	}
	s.groups[g.JID] = g
	return s.persistGroups()
}

// validFolder rejects folder names that could escape the workspace or
// mailbox directory. The folder is used as a path segment and as the IPC
// security principal, so it must be a single clean component.
func validFolder(folder string) bool {
	if folder == "." || folder == ".." {
		return false
	}
	return !strings.ContainsAny(folder, "/\\")
}

// GroupByJID returns the group registered for the conversation, if any.
func (s *Store) GroupByJID(jid string) (RegisteredGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[jid]
	return g, ok
}

// GroupByFolder returns the group owning the folder, if any.
func (s *Store) GroupByFolder(folder string) (RegisteredGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.Folder == folder {
			return g, true
		}
	}
	return RegisteredGroup{}, false
}

// Groups returns all registered groups sorted by folder.
func (s *Store) Groups() []RegisteredGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RegisteredGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

// RegisteredJIDs returns the conversation identities of all registered
// groups, the set the router polls messages for.
func (s *Store) RegisteredJIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groups))
	for jid := range s.groups {
		out = append(out, jid)
	}
	sort.Strings(out)
	return out
}

// IsMain reports whether folder is the distinguished trusted group.
func (s *Store) IsMain(folder string) bool {
	return folder == s.mainFolder
}
