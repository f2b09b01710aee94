// Package fingerprint implements Map, the bijection between syscall
// fingerprints and dense state ids, segmented by executable name and
// persisted in a plain-text, section-per-executable on-disk grammar.
package fingerprint

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nfatrace/supervisor/internal/automaton"
	"github.com/nfatrace/supervisor/internal/notification"
)

const (
	sectionBegin = "Section begin: "
	sectionEnd   = "Section end"
	fieldSep     = '\x1F'
)

// segment is one executable's bijection between fingerprints and ids. Ids
// are dense starting at 1; state 0 is reserved for the automaton start and
// is never returned by insert.
type segment struct {
	byKey  map[string]automaton.StateId
	byID   map[automaton.StateId]notification.Fingerprint
	nextID automaton.StateId
}

func newSegment() *segment {
	return &segment{
		byKey:  map[string]automaton.StateId{},
		byID:   map[automaton.StateId]notification.Fingerprint{},
		nextID: 1,
	}
}

// Map is the FingerprintMap: Map<ExecutableName, Bijection<Fingerprint,
// StateId>>.
type Map struct {
	segments map[string]*segment
}

// New returns an empty FingerprintMap.
func New() *Map {
	return &Map{segments: map[string]*segment{}}
}

func (m *Map) segmentFor(executable string) *segment {
	s, ok := m.segments[executable]
	if !ok {
		s = newSegment()
		m.segments[executable] = s
	}
	return s
}

// Insert is idempotent on fingerprint equality: the first insertion of a
// fingerprint for an executable assigns it the next dense id; later
// insertions of an equal fingerprint return that same id.
func (m *Map) Insert(executable string, fp notification.Fingerprint) automaton.StateId {
	s := m.segmentFor(executable)
	key := fp.Key()
	if id, ok := s.byKey[key]; ok {
		return id
	}
	id := s.nextID
	s.nextID++
	s.byKey[key] = id
	s.byID[id] = fp
	return id
}

// Find looks up a fingerprint's id without inserting it.
func (m *Map) Find(executable string, fp notification.Fingerprint) (automaton.StateId, bool) {
	s, ok := m.segments[executable]
	if !ok {
		return 0, false
	}
	id, ok := s.byKey[fp.Key()]
	return id, ok
}

// FindByID is the reverse lookup from a state id to its fingerprint.
func (m *Map) FindByID(executable string, id automaton.StateId) (notification.Fingerprint, bool) {
	s, ok := m.segments[executable]
	if !ok {
		return notification.Fingerprint{}, false
	}
	fp, ok := s.byID[id]
	return fp, ok
}

// Size is the sum of interned fingerprints across every executable.
func (m *Map) Size() int {
	total := 0
	for _, s := range m.segments {
		total += len(s.byID)
	}
	return total
}

// Stats reports the number of distinct executables seen and the total
// number of interned fingerprints across all of them.
func (m *Map) Stats() (execCount, totalStates int) {
	return len(m.segments), m.Size()
}

// Save writes the plain-text section-per-executable representation.
func (m *Map) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for executable, s := range m.segments {
		if _, err := fmt.Fprintf(bw, "%s%s\n", sectionBegin, executable); err != nil {
			return err
		}
		for id := automaton.StateId(1); id < s.nextID; id++ {
			fp, ok := s.byID[id]
			if !ok {
				continue
			}
			if _, err := fmt.Fprintf(bw, "%d%c%s\n", id, fieldSep, fp.Serialize()); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(bw, "%s\n", sectionEnd); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load replaces this Map's contents with the sections read from r.
func (m *Map) Load(r io.Reader) error {
	m.segments = map[string]*segment{}
	scanner := bufio.NewScanner(r)
	var current *segment
	var currentName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, sectionBegin):
			currentName = strings.TrimPrefix(line, sectionBegin)
			current = newSegment()
			m.segments[currentName] = current
		case line == sectionEnd:
			current = nil
		case current != nil && line != "":
			if err := current.loadLine(line); err != nil {
				return fmt.Errorf("fingerprint map: section %q: %w", currentName, err)
			}
		}
	}
	return scanner.Err()
}

func (s *segment) loadLine(line string) error {
	idx := strings.IndexByte(line, fieldSep)
	if idx < 0 {
		return fmt.Errorf("malformed line %q: missing field separator", line)
	}
	id, err := strconv.Atoi(line[:idx])
	if err != nil {
		return fmt.Errorf("malformed id %q: %w", line[:idx], err)
	}
	fp, err := parseFingerprint(line[idx+1:])
	if err != nil {
		return err
	}
	sid := automaton.StateId(id)
	s.byKey[fp.Key()] = sid
	s.byID[sid] = fp
	if sid >= s.nextID {
		s.nextID = sid + 1
	}
	return nil
}

// parseFingerprint reverses notification.Fingerprint.Serialize:
// <syscall-number>\x1E<frame>[\x1F<frame>]*.
func parseFingerprint(body string) (notification.Fingerprint, error) {
	sepIdx := strings.IndexByte(body, '\x1E')
	if sepIdx < 0 {
		return notification.Fingerprint{}, fmt.Errorf("malformed fingerprint %q: missing syscall separator", body)
	}
	sysno, err := strconv.Atoi(body[:sepIdx])
	if err != nil {
		return notification.Fingerprint{}, fmt.Errorf("malformed syscall number %q: %w", body[:sepIdx], err)
	}
	rest := body[sepIdx+1:]
	var frames []notification.StackFrame
	if rest != "" {
		for _, part := range strings.Split(rest, string(fieldSep)) {
			frames = append(frames, parseFrame(part))
		}
	}
	return notification.Fingerprint{SyscallNo: uint(sysno), Frames: frames}, nil
}

// parseFrame reverses StackFrame.serialize: name@offset, or pc@offset when
// the function symbol was unknown (name is numeric in that case, which is
// indistinguishable from a purely numeric symbol name — acceptable since
// Fingerprint equality never needs to tell the two cases apart once
// interned, only the on-disk bytes need to round-trip and they do).
func parseFrame(s string) notification.StackFrame {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return notification.StackFrame{}
	}
	name := s[:at]
	offset, _ := strconv.ParseUint(s[at+1:], 10, 64)
	if pc, err := strconv.ParseUint(name, 10, 64); err == nil {
		return notification.StackFrame{PC: pc, FunctionOffset: offset}
	}
	return notification.StackFrame{FunctionName: name, FunctionOffset: offset}
}
