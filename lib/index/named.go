package index

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/google/btree"
)

// TermFunc extracts the index terms of a record
type TermFunc func(env *record.Envelope) ([]string, error)

// Named is a shared handle on a term index of one tree: it maps terms (e.g.
// part numbers or names) to the ids of the records carrying them.
//
// Clone returns a new handle on the same index, it never copies data.
// Readers never block each other; the index is written only by Apply, which
// runs under the commit lock of the tree.
//
// Terms are normalized the same way when they are indexed and when they are
// looked up, see CaseInsensitive, TrimWhitespace and IgnoreChars.
type Named struct {
	shared *termIndex
}

type termIndex struct {
	mu      sync.RWMutex
	tree    string
	extract TermFunc
	terms   *btree.BTree         // termEntry ordered by term
	byID    map[keys.ID][]string // terms currently indexed per record

	foldCase bool
	trim     bool
	ignore   string
	unique   bool
}

// NamedOption configures a Named index
type NamedOption func(idx *termIndex)

// CaseInsensitive makes terms match regardless of case
func CaseInsensitive() NamedOption {
	return func(idx *termIndex) { idx.foldCase = true }
}

// TrimWhitespace ignores leading and trailing white space of terms
func TrimWhitespace() NamedOption {
	return func(idx *termIndex) { idx.trim = true }
}

// IgnoreChars removes every character of chars from terms, e.g. "-_ " makes
// "M6-BOLT" and "M6 BOLT" the same term
func IgnoreChars(chars string) NamedOption {
	return func(idx *termIndex) { idx.ignore = chars }
}

// Unique allows every term on one record only. A change that would give a
// term to a second record fails with Conflict and leaves the index entry of
// that record unchanged.
func Unique() NamedOption {
	return func(idx *termIndex) { idx.unique = true }
}

// termEntry is a btree item holding the ids of one term
type termEntry struct {
	term string
	ids  map[keys.ID]struct{}
}

func (e *termEntry) Less(than btree.Item) bool {
	return e.term < than.(*termEntry).term
}

// NewNamed creates an empty index for tree using extract to get the terms of a record
func NewNamed(tree string, extract TermFunc, opts ...NamedOption) *Named {
	idx := &termIndex{
		tree:    tree,
		extract: extract,
		terms:   btree.New(16),
		byID:    make(map[keys.ID][]string),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return &Named{shared: idx}
}

// normalize maps a term to the form it is indexed under
func (idx *termIndex) normalize(term string) string {
	if idx.foldCase {
		term = strings.ToLower(term)
	}
	if idx.trim {
		term = strings.TrimSpace(term)
	}
	if idx.ignore != "" {
		term = strings.Map(func(r rune) rune {
			if strings.ContainsRune(idx.ignore, r) {
				return -1
			}
			return r
		}, term)
	}
	return term
}

// normalizeAll normalizes terms and drops empty and repeated ones
func (idx *termIndex) normalizeAll(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		term = idx.normalize(term)
		if _, ok := seen[term]; ok || term == "" {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}

// Clone returns another handle on the same index
func (n *Named) Clone() *Named {
	return &Named{shared: n.shared}
}

// Tree returns the indexed tree
func (n *Named) Tree() string {
	return n.shared.tree
}

// Apply updates the index for a committed change (implements Hook)
func (n *Named) Apply(c events.Change) error {
	idx := n.shared
	if c.Tree != idx.tree || c.Envelope == nil {
		return nil
	}
	id := c.Envelope.Key.ID

	var terms []string
	if !c.Envelope.Deleted {
		var err error
		terms, err = idx.extract(c.Envelope)
		if err != nil {
			return fmt.Errorf("extract terms of %s: %w", c.Envelope.Key, err)
		}
		terms = idx.normalizeAll(terms)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.unique {
		for _, term := range terms {
			it := idx.terms.Get(&termEntry{term: term})
			if it == nil {
				continue
			}
			for other := range it.(*termEntry).ids {
				if other != id {
					return errs.Newf(errs.RetCConflict, "term %q of %s/%s is already used by %s", term, idx.tree, id, other)
				}
			}
		}
	}

	for _, old := range idx.byID[id] {
		if it := idx.terms.Get(&termEntry{term: old}); it != nil {
			e := it.(*termEntry)
			delete(e.ids, id)
			if len(e.ids) == 0 {
				idx.terms.Delete(e)
			}
		}
	}
	if len(terms) == 0 {
		delete(idx.byID, id)
		return nil
	}

	idx.byID[id] = terms
	for _, term := range terms {
		var e *termEntry
		if it := idx.terms.Get(&termEntry{term: term}); it != nil {
			e = it.(*termEntry)
		} else {
			e = &termEntry{term: term, ids: make(map[keys.ID]struct{})}
			idx.terms.ReplaceOrInsert(e)
		}
		e.ids[id] = struct{}{}
	}
	return nil
}

// Lookup returns the ids of all records carrying term, ascending
func (n *Named) Lookup(term string) []keys.ID {
	idx := n.shared
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	it := idx.terms.Get(&termEntry{term: idx.normalize(term)})
	if it == nil {
		return nil
	}
	return sortedIDs(it.(*termEntry).ids)
}

// Get returns the record carrying term. It is meant for Unique indexes,
// otherwise the smallest id is returned.
func (n *Named) Get(term string) (keys.ID, bool) {
	ids := n.Lookup(term)
	if len(ids) == 0 {
		return keys.ID{}, false
	}
	return ids[0], true
}

// Search returns the ids of all records carrying a term starting with prefix, ascending
func (n *Named) Search(prefix string) []keys.ID {
	idx := n.shared
	prefix = idx.normalize(prefix)
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	found := make(map[keys.ID]struct{})
	idx.terms.AscendGreaterOrEqual(&termEntry{term: prefix}, func(i btree.Item) bool {
		e := i.(*termEntry)
		if !strings.HasPrefix(e.term, prefix) {
			return false
		}
		for id := range e.ids {
			found[id] = struct{}{}
		}
		return true
	})
	return sortedIDs(found)
}

// Terms returns the terms indexed for id
func (n *Named) Terms(id keys.ID) []string {
	idx := n.shared
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return append([]string(nil), idx.byID[id]...)
}

// Len returns the number of indexed records
func (n *Named) Len() int {
	idx := n.shared
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}

func sortedIDs(set map[keys.ID]struct{}) []keys.ID {
	out := make([]keys.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
