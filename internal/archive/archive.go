// Package archive keeps the last observed and last propagated message per class.
//
// An Archive is owned by the proxy loop goroutine and is not safe for concurrent use.
package archive

import (
	"sort"
	"time"

	"pwn-gpsd/internal/protocol"
)

// Entry is one cached protocol line.
type Entry struct {
	Class protocol.Class
	// Raw is the line as observed, newline-terminated.
	Raw []byte
	Msg protocol.Message
	At  time.Time
}

// TPV returns the decoded TPV, if the entry holds one.
func (e *Entry) TPV() (protocol.TPV, bool) {
	if e == nil {
		return protocol.TPV{}, false
	}
	tpv, ok := e.Msg.(protocol.TPV)
	return tpv, ok
}

type Archive struct {
	seen map[protocol.Class]*Entry
	sent map[protocol.Class]*Entry
}

func New() *Archive {
	return &Archive{
		seen: make(map[protocol.Class]*Entry),
		sent: make(map[protocol.Class]*Entry),
	}
}

// Observe unconditionally replaces the last-seen entry for class.
func (a *Archive) Observe(class protocol.Class, raw []byte, msg protocol.Message, at time.Time) {
	a.seen[class] = newEntry(class, raw, msg, at)
}

// RecordSent replaces the last-propagated entry for class.
func (a *Archive) RecordSent(class protocol.Class, raw []byte, msg protocol.Message, at time.Time) {
	a.sent[class] = newEntry(class, raw, msg, at)
}

func (a *Archive) Last(class protocol.Class) *Entry     { return a.seen[class] }
func (a *Archive) LastSent(class protocol.Class) *Entry { return a.sent[class] }

// Snapshot returns cached raw lines for the requested classes in request order, skipping
// classes with nothing cached.
func (a *Archive) Snapshot(classes ...protocol.Class) [][]byte {
	out := make([][]byte, 0, len(classes))
	for _, c := range classes {
		if e := a.seen[c]; e != nil {
			out = append(out, e.Raw)
		}
	}
	return out
}

// Classes lists classes with a last-seen entry, sorted.
func (a *Archive) Classes() []protocol.Class {
	out := make([]protocol.Class, 0, len(a.seen))
	for c := range a.seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newEntry(class protocol.Class, raw []byte, msg protocol.Message, at time.Time) *Entry {
	return &Entry{Class: class, Raw: protocol.Line(raw), Msg: msg, At: at}
}
