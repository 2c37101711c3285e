/*
	Copyright 2023 Google Inc.
	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at
		https://www.apache.org/licenses/LICENSE-2.0
	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

// Package spantree reconstructs the parent/child hierarchy of a set of spans
// collected for a single trace. Given an unordered, possibly duplicate,
// possibly incomplete set of spans sharing a trace id, a Builder produces a
// rooted tree of SpanNodes whose structure reflects the causal relationships
// the spans declare, including the convention that a client span and its
// corresponding server span may share one id across two different
// endpoints.
//
// Builder is not safe for concurrent mutation; one Builder constructs one
// tree for one trace id. Built SpanNode trees are safe for concurrent read
// access, including Traverse, as long as no caller concurrently calls
// SetSpan.
package spantree

import (
	"errors"
	"fmt"

	"github.com/tracetree/zipkintree/span"
	"github.com/tracetree/zipkintree/tracelog"
)

// Key is the composite lookup identity of a node during tree construction:
// a span id, whether that id is the shared (server) half of an RPC pair,
// and the endpoint that half executed at. Two entries with the same id but
// different shared-ness are deliberately distinct nodes.
type Key struct {
	ID       string
	Shared   bool
	Endpoint span.Endpoint
}

// mapKey renders k into a value usable as a Go map key; span.Endpoint embeds
// a net.IP, which is not itself comparable with ==.
func (k Key) mapKey() string {
	return fmt.Sprintf("%s\x00%t\x00%s", k.ID, k.Shared, k.Endpoint.MapKey())
}

// noEndpoint is the zero Endpoint, used when a Key intentionally carries no
// endpoint qualifier (the K' keys of spec's resolution phase).
var noEndpoint = span.Endpoint{}

// ErrNilSpan is returned by SetSpan when given a nil replacement.
var ErrNilSpan = errors.New("spantree: new span must be non-nil")

// ErrNilChild is returned by addChild when given a nil child.
var ErrNilChild = errors.New("spantree: child must be non-nil")

// ErrSelfChild is returned by addChild when a node is added as its own
// child.
var ErrSelfChild = errors.New("spantree: node cannot be its own child")

// entry is a buffered span awaiting resolution: the span itself plus the
// provisional parent key computed for it when it was added to the Builder.
type entry struct {
	key         Key
	strippedKey Key // K': the same key with Endpoint zeroed
	parentKey   Key
	hasParent   bool // false for candidate-root entries (parentKey is nil)
	span        span.Span
	// effEndpoint is span.LocalEndpoint, or the zero Endpoint if the Builder
	// was constructed with WithEndpointQualification(false). All key
	// computation uses this instead of span.LocalEndpoint directly so that
	// disabling endpoint qualification degrades every span to the
	// endpoint-stripped resolution path without touching the stored span.
	effEndpoint span.Endpoint
}

// orderedParentMap pairs a map from child key to parent key with an
// insertion-ordered list of the child keys, so the materialization phase can
// iterate entries in the order they were added, as spec requires for
// deterministic child ordering.
type orderedParentMap struct {
	order  []string
	keys   map[string]Key // mapKey -> original Key, for order traversal
	parent map[string]Key // mapKey -> parent Key
}

func newOrderedParentMap() *orderedParentMap {
	return &orderedParentMap{
		keys:   map[string]Key{},
		parent: map[string]Key{},
	}
}

func (m *orderedParentMap) set(child, parent Key) {
	mk := child.mapKey()
	if _, ok := m.parent[mk]; !ok {
		m.order = append(m.order, mk)
	}
	m.keys[mk] = child
	m.parent[mk] = parent
}

func (m *orderedParentMap) delete(child Key) {
	mk := child.mapKey()
	if _, ok := m.parent[mk]; !ok {
		return
	}
	delete(m.parent, mk)
	delete(m.keys, mk)
	for i, k := range m.order {
		if k == mk {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// entries returns the (child, parent) pairs in insertion order.
func (m *orderedParentMap) entries() []struct {
	child  Key
	parent Key
} {
	out := make([]struct {
		child  Key
		parent Key
	}, 0, len(m.order))
	for _, mk := range m.order {
		out = append(out, struct {
			child  Key
			parent Key
		}{child: m.keys[mk], parent: m.parent[mk]})
	}
	return out
}

// Builder accumulates spans for a single trace id and assembles them into a
// rooted SpanNode tree. A Builder is single-use: once Build returns, its
// internal indices are discarded.
type Builder struct {
	traceID string
	logger  tracelog.Logger

	endpointQualified bool

	entries   []entry
	parentMap *orderedParentMap
	nodeMap   map[string]*SpanNode
	rootNode  *SpanNode
	rootKey   Key
	haveRoot  bool
}

// Option configures a Builder at construction.
type Option func(*Builder)

// WithEndpointQualification controls whether shared-span parent resolution
// considers the endpoint a span executed at. It defaults to true; passing
// false collapses every span's effective endpoint to the zero Endpoint for
// key-computation purposes, so resolution always falls back to the plain
// (id, shared) pair, regardless of how many distinct hosts reused a span id.
func WithEndpointQualification(enabled bool) Option {
	return func(b *Builder) { b.endpointQualified = enabled }
}

// New returns a Builder for the given trace id. A nil logger is replaced
// with tracelog.NopLogger. Endpoint qualification is enabled by default; pass
// WithEndpointQualification(false) to disable it.
func New(traceID string, logger tracelog.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = tracelog.NopLogger{}
	}
	b := &Builder{
		traceID:           traceID,
		logger:            logger,
		endpointQualified: true,
		parentMap:         newOrderedParentMap(),
		nodeMap:           map[string]*SpanNode{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddSpan validates and indexes s (the C-1 indexing phase). It returns false,
// having logged a FINE diagnostic, if s.ID == s.ParentID; otherwise it
// buffers the entry for Build and returns true.
//
// Indexing stores every entry's provisional (K₀ → P₀) pair in the parent map
// immediately, in the order spans are added; the C-2 resolution phase below
// updates these values in place and deletes the root's slot, and creates a
// new slot only when a later entry shares the root's endpoint-stripped key
// (that entry then lands at the end of the order). That
// ordering is what gives materialize's insertion-order traversal its
// observable child ordering, including the case where a shared span's two
// registrations (its own K₀ and its endpoint-qualified bridge) land before
// any later, unrelated span's K₀.
func (b *Builder) AddSpan(s span.Span) bool {
	if s.HasParent() && s.ID == s.ParentID {
		b.logger.Finef("skipping circular dependency: traceId=%s, spanId=%s",
			tracelog.HexID(b.traceID), tracelog.HexID(s.ID))
		return false
	}

	effEndpoint := s.LocalEndpoint
	if !b.endpointQualified {
		effEndpoint = noEndpoint
	}

	key := Key{ID: s.ID, Shared: s.Shared, Endpoint: effEndpoint}
	strippedKey := Key{ID: s.ID, Shared: s.Shared, Endpoint: noEndpoint}

	e := entry{key: key, strippedKey: strippedKey, span: s, effEndpoint: effEndpoint}

	switch {
	case s.Shared:
		// Server half of an RPC pair: pair with the client on the same id
		// regardless of endpoint, and additionally register an
		// endpoint-qualified lookup so later descendants that know the
		// endpoint can still resolve through it.
		parentKey := Key{ID: s.ID, Shared: false, Endpoint: noEndpoint}
		e.parentKey = parentKey
		e.hasParent = true
		b.parentMap.set(strippedKey, parentKey)
		b.parentMap.set(Key{ID: s.ID, Shared: true, Endpoint: effEndpoint}, parentKey)
	case s.HasParent():
		e.parentKey = Key{ID: s.ParentID, Shared: false, Endpoint: noEndpoint}
		e.hasParent = true
		b.parentMap.set(strippedKey, e.parentKey)
	default:
		// Candidate root: no parent edge to materialize yet. A placeholder
		// is still recorded so this entry's eventual position in iteration
		// order is fixed; resolve will either delete it (if this entry
		// becomes the real root) or overwrite it with rootKey (if it turns
		// out to be a later orphan attributed to the root).
		e.hasParent = false
		b.parentMap.set(strippedKey, Key{})
	}

	b.entries = append(b.entries, e)
	return true
}

// Build performs the C-2 resolution and C-3 materialization phases and
// returns the root of the assembled tree, synthesizing a nil-span root if no
// real root was ever selected.
//
// Parent cycles longer than one span (a's parent is b, b's parent is a) are
// not detected. Build still terminates, because each buffered entry is
// resolved exactly once.
func (b *Builder) Build() *SpanNode {
	for _, e := range b.entries {
		b.resolve(e)
	}
	if !b.haveRoot {
		b.logger.Finef("substituting dummy node for missing root span: traceId=%s",
			tracelog.HexID(b.traceID))
		b.rootNode = &SpanNode{}
	}
	b.materialize()
	return b.rootNode
}

// resolve computes entry e's final parent key (refining the provisional one
// AddSpan recorded, per the C-2 decision order), creates e's SpanNode, and
// either installs it as the root or registers it in nodeMap and parentMap
// for materialization.
func (b *Builder) resolve(e entry) {
	node := &SpanNode{span: cloneSpan(e.span)}

	switch {
	case e.span.Shared:
		// parentKey already computed in AddSpan: (id, false, nil).
	case e.hasParent:
		// Try the most specific candidate first: a shared parent on the
		// same endpoint, then a non-shared parent on the same endpoint,
		// falling back to the endpoint-stripped non-shared key.
		sameEndpointShared := Key{ID: e.span.ParentID, Shared: true, Endpoint: e.effEndpoint}
		sameEndpointNonShared := Key{ID: e.span.ParentID, Shared: false, Endpoint: e.effEndpoint}
		switch {
		case b.parentMap.hasParentEntry(sameEndpointShared):
			// Registered during C-1 for every shared span, regardless of
			// processing order, so this check is order-independent.
			e.parentKey = sameEndpointShared
			b.parentMap.set(e.strippedKey, e.parentKey)
		case b.nodeExists(sameEndpointNonShared):
			e.parentKey = sameEndpointNonShared
			b.parentMap.set(e.strippedKey, e.parentKey)
		default:
			// e.parentKey already holds the (parentId, false, nil) fallback
			// computed in AddSpan.
		}
	default:
		// Orphan: no declared parent, not a shared span.
		if b.haveRoot {
			b.logger.Finef("attributing span missing parent to root: traceId=%s, rootSpanId=%s, spanId=%s",
				tracelog.HexID(b.traceID), tracelog.HexID(b.rootSpanID()), tracelog.HexID(e.span.ID))
			e.parentKey = b.rootKey
			b.registerNode(e, node)
			b.parentMap.set(e.strippedKey, e.parentKey)
			return
		}
		// No root chosen yet: this entry becomes it.
		b.rootNode = node
		b.rootKey = e.key
		b.haveRoot = true
		b.parentMap.delete(e.strippedKey)
		return
	}

	b.registerNode(e, node)
	b.parentMap.set(e.strippedKey, e.parentKey)
}

// registerNode records node in nodeMap under the keys that later entries may
// look it up by: the endpoint-stripped key always, plus the fully-qualified
// key whenever the span carries a non-zero endpoint (covers both the shared
// RPC-pair case and a same-host, non-shared local span later entries may
// want to attach to by endpoint).
func (b *Builder) registerNode(e entry, node *SpanNode) {
	b.nodeMap[e.strippedKey.mapKey()] = node
	if e.span.Shared || !e.effEndpoint.IsZero() {
		b.nodeMap[e.key.mapKey()] = node
	}
}

func (b *Builder) nodeExists(k Key) bool {
	_, ok := b.nodeMap[k.mapKey()]
	return ok
}

func (b *Builder) rootSpanID() string {
	if b.rootNode == nil || b.rootNode.span == nil {
		return ""
	}
	return b.rootNode.span.ID
}

// materialize walks the parent map in insertion order, attaching every
// indexed child to its resolved parent node, or to the root if the parent
// never arrived ("headless").
func (b *Builder) materialize() {
	for _, pair := range b.parentMap.entries() {
		child, ok := b.nodeMap[pair.child.mapKey()]
		if !ok {
			// The key was registered but its node was never created; this
			// indicates a builder bug rather than malformed input, since
			// every registered key corresponds to a resolve call that also
			// registers a node. Degrade by skipping rather than panicking.
			continue
		}
		parent, ok := b.nodeMap[pair.parent.mapKey()]
		if !ok {
			b.rootNode.addChild(child)
			continue
		}
		parent.addChild(child)
	}
}

// hasParentEntry reports whether k is already recorded as a child key in the
// parent map, independent of nodeMap (used while e's own node has not yet
// been registered).
func (m *orderedParentMap) hasParentEntry(k Key) bool {
	_, ok := m.parent[k.mapKey()]
	return ok
}

func cloneSpan(s span.Span) *span.Span {
	out := s
	return &out
}

// SpanNode is a node in a built trace tree. Its zero value (returned as the
// synthetic root of a headless trace) carries a nil Span.
type SpanNode struct {
	span     *span.Span
	parent   *SpanNode
	children []*SpanNode
}

// Span returns n's span, or nil if n is a synthetic root.
func (n *SpanNode) Span() *span.Span {
	return n.span
}

// Parent returns n's parent, or nil if n is the root.
func (n *SpanNode) Parent() *SpanNode {
	return n.parent
}

// Children returns n's children in the order they were attached.
func (n *SpanNode) Children() []*SpanNode {
	return n.children
}

// SetSpan replaces n's span. It rejects a nil replacement, since only the
// synthetic root may carry a nil span and that is decided once at build
// time, not via mutation.
func (n *SpanNode) SetSpan(s *span.Span) error {
	if s == nil {
		return ErrNilSpan
	}
	n.span = s
	return nil
}

// addChild attaches child under n, enforcing invariants N-1 through N-3: a
// nil or self child is rejected, and re-adding an already-present child is a
// no-op.
func (n *SpanNode) addChild(child *SpanNode) error {
	if child == nil {
		return ErrNilChild
	}
	if child == n {
		return ErrSelfChild
	}
	for _, c := range n.children {
		if c == child {
			return nil
		}
	}
	child.parent = n
	n.children = append(n.children, child)
	return nil
}

// Traverse returns n's descendants (including n) in breadth-first order: a
// FIFO queue seeded with n, dequeuing a node and enqueuing its children in
// their stored order. The returned slice is a fresh, one-shot snapshot; it
// does not support removal and a second call recomputes it from scratch.
func (n *SpanNode) Traverse() []*SpanNode {
	if n == nil {
		return nil
	}
	queue := []*SpanNode{n}
	out := make([]*SpanNode, 0)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		queue = append(queue, cur.children...)
	}
	return out
}
