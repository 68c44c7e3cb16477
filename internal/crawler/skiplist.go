package crawler

import "strings"

// SkipList holds configured prefixes. A URL matches when either its path
// relative to the start directory or its full URL starts with an entry.
type SkipList struct {
	entries []string
}

// NewSkipList builds a skip list, ignoring blank entries.
func NewSkipList(entries []string) *SkipList {
	s := &SkipList{}
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			s.entries = append(s.entries, e)
		}
	}
	return s
}

// Match reports whether rel or full starts with a skip list entry.
func (s *SkipList) Match(rel, full string) bool {
	if s == nil {
		return false
	}
	for _, e := range s.entries {
		if strings.HasPrefix(rel, e) || strings.HasPrefix(full, e) {
			return true
		}
	}
	return false
}

// Len reports the number of entries.
func (s *SkipList) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}
