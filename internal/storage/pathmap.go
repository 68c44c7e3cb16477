package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/andywarduk/mirrorurl/internal/urlnorm"
	"github.com/andywarduk/mirrorurl/pkg/types"
)

// ErrPathEscape is returned when a mapped path would leave the output root.
var ErrPathEscape = fmt.Errorf("%w: path escapes output root", types.ErrIO)

// PathMapper assigns every mirrored URL a unique slash-separated path
// relative to the output root.
type PathMapper struct {
	root      string
	indexName string
	origin    func(*url.URL) bool

	mu       sync.Mutex
	claims   map[string]string // local path -> url key
	assigned map[string]string // url key -> local path
	previous map[string]string // url key -> local path from the last run
	bases    map[string]string // url key -> unsuffixed candidate
	natural  map[string]bool   // url key -> candidate is the URL path as written
}

// PathMove is a path reassignment made when collisions are settled.
type PathMove struct {
	Key  string
	From string
	To   string
}

// NewPathMapper builds a mapper. URLs for which sameOrigin reports true are
// placed directly under root; all others under a per-host directory.
func NewPathMapper(root, indexName string, sameOrigin func(*url.URL) bool) (*PathMapper, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve output root: %v", types.ErrIO, err)
	}
	if indexName == "" {
		indexName = "index.html"
	}
	return &PathMapper{
		root:      filepath.Clean(abs),
		indexName: indexName,
		origin:    sameOrigin,
		claims:    make(map[string]string),
		assigned:  make(map[string]string),
		previous:  make(map[string]string),
		bases:     make(map[string]string),
		natural:   make(map[string]bool),
	}, nil
}

// Remember seeds the mapper with the path a URL used on a previous run so
// that collision suffixes stay stable between runs.
func (m *PathMapper) Remember(urlKey, localPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.previous[urlKey] = localPath
}

// Map claims a local path for u. HTML documents get an .html extension when
// their path lacks one. Repeated calls for the same URL return the same path.
// Claims are provisional until Settle decides contested paths.
func (m *PathMapper) Map(u *url.URL, isHTML bool) (string, error) {
	key := urlnorm.Key(u)
	candidate, natural, err := m.candidate(u, isHTML)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.assigned[key]; ok {
		return existing, nil
	}

	chosen := candidate
	if prev, ok := m.previous[key]; ok && (prev == candidate || prev == withSuffix(candidate, shortHash(key))) {
		if owner, taken := m.claims[prev]; !taken || owner == key {
			chosen = prev
		}
	}
	if owner, taken := m.claims[chosen]; taken && owner != key {
		chosen = withSuffix(candidate, shortHash(key))
		if owner, taken := m.claims[chosen]; taken && owner != key {
			return "", fmt.Errorf("%w: %s collides with %s at %s", types.ErrIO, key, owner, chosen)
		}
	}
	if _, err := m.Abs(chosen); err != nil {
		return "", err
	}

	m.claims[chosen] = key
	m.assigned[key] = chosen
	m.bases[key] = candidate
	m.natural[key] = natural
	return chosen, nil
}

// Settle decides every contested candidate path independently of the order
// in which URLs were mapped. A URL whose path needed no rewriting keeps the
// plain candidate, otherwise the lexically smallest key does; every other
// claimant takes its hash suffix. The returned moves are sorted by key.
func (m *PathMapper) Settle() []PathMove {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make(map[string][]string)
	for key, base := range m.bases {
		groups[base] = append(groups[base], key)
	}

	var moves []PathMove
	for base, keys := range groups {
		if len(keys) < 2 {
			continue
		}
		slices.SortFunc(keys, func(a, b string) int {
			if m.natural[a] != m.natural[b] {
				if m.natural[a] {
					return -1
				}
				return 1
			}
			return strings.Compare(a, b)
		})
		for i, key := range keys {
			want := base
			if i > 0 {
				want = withSuffix(base, shortHash(key))
			}
			if owner, taken := m.claims[want]; taken && m.bases[owner] != base {
				continue
			}
			if have := m.assigned[key]; have != want {
				moves = append(moves, PathMove{Key: key, From: have, To: want})
			}
		}
	}

	for _, mv := range moves {
		if m.claims[mv.From] == mv.Key {
			delete(m.claims, mv.From)
		}
	}
	for _, mv := range moves {
		m.claims[mv.To] = mv.Key
		m.assigned[mv.Key] = mv.To
	}
	slices.SortFunc(moves, func(a, b PathMove) int { return strings.Compare(a.Key, b.Key) })
	return moves
}

// Abs joins a mapped path onto the root, refusing anything that escapes it.
func (m *PathMapper) Abs(localPath string) (string, error) {
	joined := filepath.Join(m.root, filepath.FromSlash(localPath))
	if joined == m.root || !strings.HasPrefix(joined, m.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, localPath)
	}
	return joined, nil
}

// candidate builds the unsuffixed path for u. natural reports that the path
// is the URL's own path with nothing escaped, sanitized or appended.
func (m *PathMapper) candidate(u *url.URL, isHTML bool) (string, bool, error) {
	var segments []string
	if m.origin == nil || !m.origin(u) {
		segments = append(segments, sanitizeSegment(strings.ReplaceAll(u.Host, ":", "_")))
	}

	natural := u.RawQuery == ""
	raw := u.EscapedPath()
	dir := raw == "" || strings.HasSuffix(raw, "/")
	for _, seg := range strings.Split(raw, "/") {
		if seg == "" {
			continue
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			decoded = seg
		}
		decoded = sanitizeSegment(decoded)
		if decoded == "." || decoded == ".." {
			return "", false, fmt.Errorf("%w: %q in %s", ErrPathEscape, decoded, u)
		}
		if decoded != seg {
			natural = false
		}
		segments = append(segments, decoded)
	}
	if len(segments) > 0 && segments[0] == manifestDir {
		segments[0] = "_" + segments[0]
		natural = false
	}
	if dir || len(segments) == 0 {
		segments = append(segments, m.indexName)
		natural = false
	}

	last := segments[len(segments)-1]
	if isHTML {
		switch strings.ToLower(path.Ext(last)) {
		case ".html", ".htm":
		default:
			last += ".html"
			natural = false
		}
	}
	if u.RawQuery != "" {
		last = withSuffix(last, shortHash(u.RawQuery))
	}
	segments[len(segments)-1] = last
	return strings.Join(segments, "/"), natural, nil
}

// withSuffix inserts ~tag before the extension of the final path element.
func withSuffix(p, tag string) string {
	dir, file := path.Split(p)
	ext := path.Ext(file)
	if ext == file {
		ext = ""
	}
	return dir + strings.TrimSuffix(file, ext) + "~" + tag + ext
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

func sanitizeSegment(seg string) string {
	var b strings.Builder
	b.Grow(len(seg))
	for _, r := range seg {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`\/:*?"<>|`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RelativeLink returns the href that leads from the document stored at
// fromPath to the file stored at toPath.
func RelativeLink(fromPath, toPath string) string {
	fromDir := path.Dir(fromPath)
	if fromDir == "." {
		fromDir = ""
	}
	var up []string
	target := strings.Split(toPath, "/")
	var base []string
	if fromDir != "" {
		base = strings.Split(fromDir, "/")
	}
	i := 0
	for i < len(base) && i < len(target)-1 && base[i] == target[i] {
		i++
	}
	for range base[i:] {
		up = append(up, "..")
	}
	rel := strings.Join(append(up, target[i:]...), "/")
	return (&url.URL{Path: rel}).EscapedPath()
}
