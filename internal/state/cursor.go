package state

import "time"

// Session returns the stored session id for a group folder, or "" when the
// group has no conversational continuity yet.
func (s *Store) Session(folder string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[folder]
}

// SetSession replaces the group's session id and persists the session map.
// The previous id is discarded; there is one active session per group.
func (s *Store) SetSession(folder, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" {
		delete(s.sessions, folder)
	} else {
		s.sessions[folder] = sessionID
	}
	return s.persistSessions()
}

// LastTimestamp returns the processed-message watermark.
func (s *Store) LastTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.LastTimestamp
}

// LastDelivered returns the processed-message watermark with its
// message-id tie-breaker.
func (s *Store) LastDelivered() (time.Time, uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.LastTimestamp, s.cursor.LastID
}

// AdvanceLastTimestamp moves the watermark forward and persists the
// cursor. Called only after a message has been fully handled. The message
// id breaks ties between messages that share a timestamp, so a mid-batch
// failure never skips the later of two same-timestamp messages on retry.
func (s *Store) AdvanceLastTimestamp(ts time.Time, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case ts.After(s.cursor.LastTimestamp):
		s.cursor.LastTimestamp = ts
		s.cursor.LastID = id
	case ts.Equal(s.cursor.LastTimestamp) && id > s.cursor.LastID:
		s.cursor.LastID = id
	}
	return s.persistCursor()
}

// AgentTimestamp returns how far the agent has seen context for a chat.
func (s *Store) AgentTimestamp(chatJID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.LastAgentTimestamp[chatJID]
}

// SetAgentTimestamp records that the agent has seen context for a chat up
// to ts, and persists the cursor.
func (s *Store) SetAgentTimestamp(chatJID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.LastAgentTimestamp[chatJID] = ts
	return s.persistCursor()
}

// CursorSnapshot returns a copy of the delivery cursor for inspection.
func (s *Store) CursorSnapshot() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Cursor{
		LastTimestamp:      s.cursor.LastTimestamp,
		LastID:             s.cursor.LastID,
		LastAgentTimestamp: make(map[string]time.Time, len(s.cursor.LastAgentTimestamp)),
	}
	for k, v := range s.cursor.LastAgentTimestamp {
		c.LastAgentTimestamp[k] = v
	}
	return c
}
