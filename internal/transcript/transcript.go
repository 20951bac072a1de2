// Package transcript holds the ordered record of a live session: every turn
// spoken by the user or the agent, in the order the session observed it.
//
// A [Log] is append-only. Turns are values; once appended they are never
// reordered, edited or removed. The session controller is the only writer and
// hands out copies via [Log.Turns] for rendering.
package transcript

import (
	"strings"
	"sync"
)

// UserEchoPrefix marks an inbound channel frame as the server-side
// transcription of the user's own speech rather than an agent turn.
const UserEchoPrefix = "__USER__::"

// Role identifies who produced a turn.
type Role int

const (
	// RoleUser is the interview candidate.
	RoleUser Role = iota

	// RoleAgent is the remote AI interviewer.
	RoleAgent
)

// String returns "user" or "agent".
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Turn is one attributed utterance.
type Turn struct {
	Role Role
	Text string
}

// FromFrame classifies an inbound channel frame. Frames that begin with
// [UserEchoPrefix] become a user turn with the prefix stripped; every other
// frame is an agent turn with the text verbatim. Frames are never rejected.
func FromFrame(frame string) Turn {
	if rest, ok := strings.CutPrefix(frame, UserEchoPrefix); ok {
		return Turn{Role: RoleUser, Text: rest}
	}
	return Turn{Role: RoleAgent, Text: frame}
}

// Log is an append-only, ordered sequence of turns.
//
// Log is safe for concurrent use, although in a session only the controller
// goroutine appends.
type Log struct {
	mu    sync.RWMutex
	turns []Turn
}

// Append adds t at the end of the log and returns the new length.
func (l *Log) Append(t Turn) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, t)
	return len(l.turns)
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Turns returns a copy of every turn in append order.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Last returns the most recent turn, if any.
func (l *Log) Last() (Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1], true
}

// Count returns how many turns have the given role.
func (l *Log) Count(r Role) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, t := range l.turns {
		if t.Role == r {
			n++
		}
	}
	return n
}
