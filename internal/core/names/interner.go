package names

import "golang.org/x/text/unicode/norm"

// Handle is a dense integer standing in for an interned string.
type Handle uint32

// NoHandle is returned by Lookup misses and marks "no name bound".
const NoHandle Handle = ^Handle(0)

// Interner maps strings to dense handles. Handles are never recycled.
// Accessed only from the game loop goroutine, so there are no locks.
type Interner struct {
	index   map[string]Handle
	strings []string
}

func NewInterner() *Interner {
	return &Interner{
		index:   make(map[string]Handle, 64),
		strings: make([]string, 0, 64),
	}
}

// Intern returns the handle for s, assigning the next one on first sight.
// Strings are NFC-normalised so canonically equivalent spellings collide.
func (in *Interner) Intern(s string) Handle {
	s = norm.NFC.String(s)
	if h, ok := in.index[s]; ok {
		return h
	}
	h := Handle(len(in.strings))
	in.strings = append(in.strings, s)
	in.index[s] = h
	return h
}

// Lookup returns the handle for s without interning it.
func (in *Interner) Lookup(s string) (Handle, bool) {
	h, ok := in.index[norm.NFC.String(s)]
	if !ok {
		return NoHandle, false
	}
	return h, true
}

// String returns the interned text, or "" for an unknown handle.
func (in *Interner) String(h Handle) string {
	if int(h) >= len(in.strings) {
		return ""
	}
	return in.strings[h]
}

func (in *Interner) Len() int {
	return len(in.strings)
}
