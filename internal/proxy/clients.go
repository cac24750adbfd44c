package proxy

import (
	"encoding/json"
	"errors"
	"time"

	"pwn-gpsd/internal/protocol"
)

var emptyDevices = []byte(`{"class":"DEVICES","devices":[]}` + "\n")

func (s *Server) clientLine(id uint64, line []byte) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	cmd, err := protocol.ParseCommand(line)
	if errors.Is(err, protocol.ErrNotCommand) {
		s.log.Debug("ignoring client line", "client", sess.addr, "line", string(line))
		return
	}
	if err != nil {
		s.log.Info("bad client command", "client", sess.addr, "error", err)
		return
	}
	s.log.Debug("client command", "client", sess.addr, "command", cmd.Kind.String())

	switch cmd.Kind {
	case protocol.CommandWatch:
		s.watchCommand(sess, cmd.Watch)
	case protocol.CommandDevices:
		s.enqueue(sess, s.devicesLine())
	case protocol.CommandPoll:
		s.enqueue(sess, s.pollReply(s.now()))
	default:
		if s.cfg.FusionOnly() {
			s.log.Info("no upstream, dropping client command", "client", sess.addr, "command", cmd.Name)
			return
		}
		if !s.send(cmd.Raw) {
			s.log.Info("upstream unavailable, dropping client command", "client", sess.addr, "command", cmd.Name)
		}
	}
}

// watchCommand applies ?WATCH. Enabling replays the cached VERSION, TPV and SKY so a new
// watcher does not wait for the next propagated change. A bare ?WATCH; only reports state.
func (s *Server) watchCommand(sess *session, w protocol.Watch) {
	if w.Enable == nil {
		s.enqueue(sess, s.watchReply(sess))
		return
	}
	if !w.Enabled() {
		sess.watching = false
		sess.watch = w
		s.updateClientStatus()
		s.enqueue(sess, s.watchReply(sess))
		return
	}
	sess.watching = true
	sess.watch = w
	s.updateClientStatus()

	lines := [][]byte{s.versionLine()}
	lines = append(lines, s.archive.Snapshot(protocol.ClassTPV, protocol.ClassSKY)...)
	s.enqueue(sess, lines...)
}

func (s *Server) watchReply(sess *session) []byte {
	on, asJSON := sess.watching, true
	w := sess.watch
	w.Class = protocol.ClassWatch
	w.Enable = &on
	if w.JSON == nil {
		w.JSON = &asJSON
	}
	b, err := protocol.Encode(w)
	if err != nil {
		return nil
	}
	return b
}

// versionLine is the cached upstream VERSION, or nil before upstream has sent one.
func (s *Server) versionLine() []byte {
	if e := s.archive.Last(protocol.ClassVersion); e != nil {
		return e.Raw
	}
	return nil
}

func (s *Server) devicesLine() []byte {
	if e := s.archive.Last(protocol.ClassDevices); e != nil {
		return e.Raw
	}
	return emptyDevices
}

// pollReply synthesizes the ?POLL answer from the archive.
func (s *Server) pollReply(now time.Time) []byte {
	p := protocol.Poll{
		Class: protocol.ClassPoll,
		Time:  now.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if e := s.archive.Last(protocol.ClassDevices); e != nil {
		if d, ok := e.Msg.(protocol.Devices); ok {
			p.Active = len(d.Devices)
		}
	} else if s.upState == upStreaming {
		p.Active = 1
	}
	if e := s.archive.Last(protocol.ClassTPV); e != nil {
		p.TPV = []json.RawMessage{trimLine(e.Raw)}
	}
	if e := s.archive.Last(protocol.ClassSKY); e != nil {
		p.SKY = []json.RawMessage{trimLine(e.Raw)}
	}
	b, err := protocol.Encode(p)
	if err != nil {
		s.log.Warn("encode poll reply", "error", err)
		return nil
	}
	return b
}

func trimLine(b []byte) json.RawMessage {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return json.RawMessage(b)
}
