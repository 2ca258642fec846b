package keys

import "github.com/gdamore/tcell/v2"

// Global is the scope consulted after the active page's bindings.
const Global = ""

// Action is a keybinding.
type Action struct {
	Name        string
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
	Visible     bool
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Registry holds keybindings per page, in registration order.
type Registry struct {
	scopes map[string][]*Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scopes: make(map[string][]*Action)}
}

// Bind registers a for scope. A binding with the same name is replaced in place.
func (r *Registry) Bind(scope string, a *Action) {
	list := r.scopes[scope]
	for i, old := range list {
		if old.Name == a.Name {
			list[i] = a
			return
		}
	}
	r.scopes[scope] = append(list, a)
}

// Hints returns the visible descriptions for page, page bindings first.
func (r *Registry) Hints(page string) []string {
	var hints []string
	for _, scope := range r.order(page) {
		for _, a := range r.scopes[scope] {
			if a.Visible {
				hints = append(hints, a.Description)
			}
		}
	}
	return hints
}

// HandleEvent runs the first action of page, then of the global scope,
// that matches ev. It reports whether one ran.
func (r *Registry) HandleEvent(page string, ev *tcell.EventKey) bool {
	for _, scope := range r.order(page) {
		for _, a := range r.scopes[scope] {
			if a.Matches(ev) {
				a.Handler()
				return true
			}
		}
	}
	return false
}

func (r *Registry) order(page string) []string {
	if page == Global {
		return []string{Global}
	}
	return []string{page, Global}
}
