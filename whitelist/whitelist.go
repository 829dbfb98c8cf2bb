// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package whitelist holds the register access policy: which MSR offsets an
// unprivileged caller may see and which bits of them it may change.
//
// A policy is parsed once from its text form and is immutable afterwards,
// so a *Table can be shared by any number of goroutines without locking.
package whitelist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"system-transparency.org/msrsafe/sterror"
	"system-transparency.org/msrsafe/stlog"
)

// Operations used for raising Errors of this package.
const (
	ErrOpLoad     sterror.Op = "load"
	ErrOpLoadFile sterror.Op = "load file"
	ErrOpNew      sterror.Op = "new table"
)

// Errors which may be raised and wrapped in this package.
var (
	ErrParse     = errors.New("malformed whitelist")
	ErrEmpty     = errors.New("whitelist is empty")
	ErrDuplicate = errors.New("duplicate MSR offset")
	ErrShortRead = errors.New("whitelist size mismatch")
	ErrResource  = errors.New("whitelist not readable")
)

// LineFormat is the canonical printf format of one whitelist entry.
const LineFormat = "MSR: %08x Write Mask: %016x\n"

var linePattern = regexp.MustCompile(
	`^MSR: (?:0[xX])?([0-9a-fA-F]{1,8}) Write Mask: (?:0[xX])?([0-9a-fA-F]{1,16})$`)

// ParseError reports the line which could not be parsed.
type ParseError struct {
	// Line is the 1-based line number.
	Line int
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %q does not match %q", e.Line, e.Text, "MSR: <offset> Write Mask: <mask>")
}

// Unwrap makes every ParseError match ErrParse.
func (e *ParseError) Unwrap() error {
	return ErrParse
}

// Entry is a single whitelisted register. Presence in a Table grants read
// access, WriteMask marks the bits an unprivileged caller may change.
type Entry struct {
	Offset    uint32
	WriteMask uint64
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	return fmt.Sprintf("MSR: %08x Write Mask: %016x", e.Offset, e.WriteMask)
}

// Table is an ordered, immutable set of Entries keyed by offset.
type Table struct {
	entries []Entry
	index   map[uint32]int
}

// New builds a Table from entries, keeping their order.
// Duplicate offsets are rejected.
func New(entries ...Entry) (*Table, error) {
	t := &Table{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[uint32]int, len(entries)),
	}

	for _, e := range entries {
		if _, ok := t.index[e.Offset]; ok {
			return nil, sterror.E(sterror.Whitelist, ErrOpNew, ErrDuplicate, fmt.Sprintf("offset 0x%08x", e.Offset))
		}

		t.index[e.Offset] = len(t.entries)
		t.entries = append(t.entries, e)
	}

	return t, nil
}

// Load reads the whole source and parses it.
func Load(r io.Reader) (*Table, error) {
	if r == nil {
		return nil, sterror.E(sterror.Whitelist, ErrOpLoad, ErrResource, "no source")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, sterror.E(sterror.Whitelist, ErrOpLoad, ErrResource, err.Error())
	}

	return Parse(data)
}

// LoadFile loads the whitelist at path. The file must not be empty and must
// be read in full, a file that changes size while being read is rejected.
func LoadFile(path string) (*Table, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, sterror.E(sterror.Whitelist, ErrOpLoadFile, ErrResource, err.Error())
	}

	if stat.Size() == 0 {
		return nil, sterror.E(sterror.Whitelist, ErrOpLoadFile, ErrEmpty, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, sterror.E(sterror.Whitelist, ErrOpLoadFile, ErrResource, err.Error())
	}
	defer f.Close()

	data := make([]byte, stat.Size())

	n, err := io.ReadFull(f, data)
	if err != nil {
		info := fmt.Sprintf("%s: read %d of %d bytes: %v", path, n, stat.Size(), err)

		return nil, sterror.E(sterror.Whitelist, ErrOpLoadFile, ErrShortRead, info)
	}

	t, err := Parse(data)
	if err != nil {
		return nil, err
	}

	stlog.Debug("loaded %d whitelist entries from %s", t.Len(), path)

	return t, nil
}

// Parse parses the text form of a whitelist, one entry per line:
//
//	MSR: <hex offset> Write Mask: <hex mask>
//
// The number of entries is the number of newline characters. Text after
// the last newline is not an entry and is ignored. Any malformed line
// fails the whole parse.
func Parse(data []byte) (*Table, error) {
	if len(data) == 0 {
		return nil, sterror.E(sterror.Whitelist, ErrOpLoad, ErrEmpty)
	}

	count := bytes.Count(data, []byte{'\n'})

	last := bytes.LastIndexByte(data, '\n')
	if tail := data[last+1:]; len(tail) > 0 {
		stlog.Warn("whitelist: ignoring %d bytes after last newline: %q", len(tail), tail)
	}

	if count == 0 {
		return nil, sterror.E(sterror.Whitelist, ErrOpLoad, ErrEmpty, "no newline terminated entry")
	}

	entries := make([]Entry, 0, count)
	rest := data[:last+1]

	for line := 1; line <= count; line++ {
		i := bytes.IndexByte(rest, '\n')
		text := rest[:i]
		rest = rest[i+1:]

		e, err := parseLine(text)
		if err != nil {
			return nil, sterror.E(sterror.Whitelist, ErrOpLoad, &ParseError{Line: line, Text: string(text)}, err.Error())
		}

		entries = append(entries, e)
	}

	return New(entries...)
}

func parseLine(line []byte) (Entry, error) {
	m := linePattern.FindSubmatch(line)
	if m == nil {
		return Entry{}, errors.New("unexpected tokens")
	}

	offset, err := strconv.ParseUint(string(m[1]), 16, 32)
	if err != nil {
		return Entry{}, err
	}

	mask, err := strconv.ParseUint(string(m[2]), 16, 64)
	if err != nil {
		return Entry{}, err
	}

	return Entry{Offset: uint32(offset), WriteMask: mask}, nil
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the entries in table order.
func (t *Table) Entries() []Entry {
	ret := make([]Entry, len(t.entries))
	copy(ret, t.entries)

	return ret
}

// Offsets returns the offsets in table order.
func (t *Table) Offsets() []uint32 {
	ret := make([]uint32, len(t.entries))
	for i, e := range t.entries {
		ret[i] = e.Offset
	}

	return ret
}

// Lookup returns the entry for offset.
func (t *Table) Lookup(offset uint32) (Entry, bool) {
	i, ok := t.index[offset]
	if !ok {
		return Entry{}, false
	}

	return t.entries[i], true
}

// Contains reports whether offset is governed by the table.
func (t *Table) Contains(offset uint32) bool {
	_, ok := t.index[offset]

	return ok
}

// ReadAllowed reports whether an unprivileged caller may read offset.
func (t *Table) ReadAllowed(offset uint32) bool {
	return t.Contains(offset)
}

// WriteMask returns the bits of offset an unprivileged caller may write,
// 0 if offset is not in the table.
func (t *Table) WriteMask(offset uint32) uint64 {
	e, _ := t.Lookup(offset)

	return e.WriteMask
}

// WriteTo writes the table in its canonical text form.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	var total int64

	for _, e := range t.entries {
		n, err := fmt.Fprintf(w, LineFormat, e.Offset, e.WriteMask)
		total += int64(n)

		if err != nil {
			return total, err
		}
	}

	return total, nil
}
