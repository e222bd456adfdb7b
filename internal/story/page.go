package story

import (
	"sync"

	"github.com/wandertale/engine/internal/variable"
)

// Page is a story page. Its attached condition ids gate whether the page
// is currently offered to the reader; its function ids run when the
// reader triggers the page.
type Page struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Content    string   `json:"content,omitempty"`
	Conditions []string `json:"conditions"`
	Functions  []string `json:"functions"`

	viewable bool
	readable bool
	mu       sync.RWMutex
}

// UpdateStatus recomputes the page's viewable/readable flags against the
// accessible state.
func (p *Page) UpdateStatus(vars variable.Accessor, conditions *Conditions) error {
	pass, err := conditions.AllPass(p.Conditions, vars)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.viewable = pass
	p.readable = pass
	p.mu.Unlock()
	return nil
}

// IsViewable reports whether the page is currently offered in page lists.
func (p *Page) IsViewable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.viewable
}

// IsReadable reports whether the page's functions may currently run.
func (p *Page) IsReadable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readable
}

// Pages is the story's page registry, preserving story order.
type Pages struct {
	byID  map[string]*Page
	order []*Page
}

// NewPages builds a registry from a list of pages.
func NewPages(pages []*Page) *Pages {
	p := &Pages{byID: make(map[string]*Page, len(pages))}
	for _, page := range pages {
		p.byID[page.ID] = page
		p.order = append(p.order, page)
	}
	return p
}

// Get returns the page with the given id, or nil.
func (p *Pages) Get(id string) *Page {
	return p.byID[id]
}

// All returns the pages in story order.
func (p *Pages) All() []*Page {
	return p.order
}

// Len returns the number of pages.
func (p *Pages) Len() int {
	return len(p.order)
}
