package catalog

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned for unknown template or chain ids.
var ErrNotFound = errors.New("not found")

// Catalog is the validated, immutable template set. Every accessor returns
// copies, so callers cannot alter what other components see.
type Catalog struct {
	templates map[string]*Template
	order     []string
	chains    map[string]Chain
	members   map[string][]string // chain id → template ids by position
	digest    string
}

// New validates doc and builds a catalog from it.
func New(doc Document) (*Catalog, error) {
	if problems := check(doc); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	c := &Catalog{
		templates: make(map[string]*Template, len(doc.Templates)),
		chains:    make(map[string]Chain, len(doc.Chains)),
		members:   make(map[string][]string),
	}
	for _, ch := range doc.Chains {
		ch.Prerequisites = append([]string(nil), ch.Prerequisites...)
		c.chains[ch.ID] = ch
	}
	for _, t := range doc.Templates {
		cp := t.Clone()
		c.templates[t.ID] = &cp
		c.order = append(c.order, t.ID)
		if t.ChainID != "" {
			c.members[t.ChainID] = append(c.members[t.ChainID], t.ID)
			if _, ok := c.chains[t.ChainID]; !ok {
				// Chains used only by templates get an implicit, ungated entry.
				c.chains[t.ChainID] = Chain{ID: t.ChainID, Name: t.ChainID}
			}
		}
	}

	for id, ids := range c.members {
		sort.Slice(ids, func(i, j int) bool {
			return c.templates[ids[i]].ChainPosition < c.templates[ids[j]].ChainPosition
		})
		c.members[id] = ids
	}
	sort.Slice(c.order, func(i, j int) bool {
		a, b := c.templates[c.order[i]], c.templates[c.order[j]]
		if a.ChainID != b.ChainID {
			return a.ChainID < b.ChainID
		}
		if a.ChainPosition != b.ChainPosition {
			return a.ChainPosition < b.ChainPosition
		}
		return a.ID < b.ID
	})
	return c, nil
}

// Get returns the template with the given id.
func (c *Catalog) Get(id string) (Template, error) {
	t, ok := c.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("template %q: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// Chain returns the chain's templates ordered by position.
func (c *Catalog) Chain(id string) ([]Template, error) {
	ids, ok := c.members[id]
	if !ok {
		return nil, fmt.Errorf("chain %q: %w", id, ErrNotFound)
	}
	out := make([]Template, 0, len(ids))
	for _, tid := range ids {
		out = append(out, c.templates[tid].Clone())
	}
	return out, nil
}

// All returns every template, ordered by chain, position, then id.
func (c *Catalog) All() []Template {
	out := make([]Template, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.templates[id].Clone())
	}
	return out
}

// Len returns the number of templates.
func (c *Catalog) Len() int { return len(c.order) }

// ChainInfo returns the chain definition and its unlock gates.
func (c *Catalog) ChainInfo(id string) (Chain, bool) {
	ch, ok := c.chains[id]
	if !ok {
		return Chain{}, false
	}
	ch.Prerequisites = append([]string(nil), ch.Prerequisites...)
	return ch, true
}

// ChainMembers returns the template ids in a chain, by position.
func (c *Catalog) ChainMembers(id string) []string {
	return append([]string(nil), c.members[id]...)
}

// Chains returns all chain definitions sorted by id.
func (c *Catalog) Chains() []Chain {
	out := make([]Chain, 0, len(c.chains))
	for id := range c.chains {
		ch, _ := c.ChainInfo(id)
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Digest identifies the source the catalog was parsed from. It is empty for
// catalogs built directly with New.
func (c *Catalog) Digest() string { return c.digest }
