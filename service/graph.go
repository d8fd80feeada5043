package service

import (
	"sort"
	"sync"
)

// Graph tracks which fields react to which. Edges point from a source field
// to its subscribers; Affected walks the transitive closure so indirect
// dependents are picked up as well.
type Graph struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

func NewGraph() *Graph {
	return &Graph{subs: make(map[string]map[string]struct{})}
}

// Subscribe records that subscriber reacts to changes of source.
// Self-subscriptions are dropped, they would only inflate the closure.
func (g *Graph) Subscribe(source, subscriber string) {
	if source == "" || subscriber == "" || source == subscriber {
		return
	}
	g.mu.Lock()
	set, ok := g.subs[source]
	if !ok {
		set = make(map[string]struct{})
		g.subs[source] = set
	}
	set[subscriber] = struct{}{}
	g.mu.Unlock()
}

// Unsubscribe removes a single edge.
func (g *Graph) Unsubscribe(source, subscriber string) {
	g.mu.Lock()
	if set, ok := g.subs[source]; ok {
		delete(set, subscriber)
		if len(set) == 0 {
			delete(g.subs, source)
		}
	}
	g.mu.Unlock()
}

// RemoveField drops a field both as a source and as a subscriber.
func (g *Graph) RemoveField(id string) {
	g.mu.Lock()
	delete(g.subs, id)
	for source, set := range g.subs {
		delete(set, id)
		if len(set) == 0 {
			delete(g.subs, source)
		}
	}
	g.mu.Unlock()
}

// Subscribers returns the direct subscribers of a field, sorted.
func (g *Graph) Subscribers(source string) []string {
	g.mu.RLock()
	set := g.subs[source]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	g.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Affected returns every field that depends on source, directly or through
// other fields, sorted. The source itself is not part of the result, even
// when a subscription cycle leads back to it.
func (g *Graph) Affected(source string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]struct{}{source: {}}
	queue := []string{source}
	var out []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for subscriber := range g.subs[current] {
			if _, seen := visited[subscriber]; seen {
				continue
			}
			visited[subscriber] = struct{}{}
			out = append(out, subscriber)
			queue = append(queue, subscriber)
		}
	}
	sort.Strings(out)
	return out
}

// Edges returns a copy of the full subscription map, used by the schema
// analyzer and the state inspector.
func (g *Graph) Edges() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]string, len(g.subs))
	for source, set := range g.subs {
		subscribers := make([]string, 0, len(set))
		for id := range set {
			subscribers = append(subscribers, id)
		}
		sort.Strings(subscribers)
		out[source] = subscribers
	}
	return out
}
