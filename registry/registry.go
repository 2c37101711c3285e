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

// Package registry fans a batch of spans covering many trace ids out to one
// spantree.Builder per trace id and caches the resulting trees in an
// LRU-bounded pool, so a collector ingesting a continuous stream of spans
// doesn't have to keep every trace it has ever built resident forever.
package registry

import (
	"context"
	"fmt"

	"github.com/hashicorp/golang-lru/simplelru"
	"golang.org/x/sync/errgroup"

	"github.com/tracetree/zipkintree/span"
	"github.com/tracetree/zipkintree/spantree"
	"github.com/tracetree/zipkintree/tracelog"
)

// Registry builds and caches one spantree.SpanNode root per trace id. Its
// zero value is not usable; construct one with New.
//
// BuildAll runs one spantree.Builder per trace id on its own goroutine (a
// Builder is never shared across goroutines, preserving the
// one-builder-per-trace resource model); the build goroutines never touch
// the cache, and BuildAll records the completed trees in it from the calling
// goroutine after every build has finished. Registry holds no lock of its
// own, so concurrent calls to BuildAll, Get or Len on one Registry are not
// synchronized.
type Registry struct {
	logger      tracelog.Logger
	builderOpts []spantree.Option
	lru         *simplelru.LRU
}

// New allocates a Registry backed by an LRU of the given capacity. Once full,
// building a new trace evicts the least-recently-used tree still cached (a
// Get counts as a use);
// eviction is a memory bound, not a durability guarantee, and callers that
// need a trace kept must rebuild it from its spans.
//
// builderOpts, if given, are passed to every spantree.Builder the Registry
// constructs, so a setting like spantree.WithEndpointQualification applies
// uniformly across every trace a single Registry builds.
func New(capacity int, logger tracelog.Logger, builderOpts ...spantree.Option) (*Registry, error) {
	if logger == nil {
		logger = tracelog.NopLogger{}
	}
	lru, err := simplelru.NewLRU(capacity, nil /* no onEvict policy */)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return &Registry{logger: logger, builderOpts: builderOpts, lru: lru}, nil
}

// BuildAll builds one tree per entry of spansByTraceID concurrently, each on
// its own spantree.Builder, and stores every result in the cache before
// returning it. If ctx is cancelled, builds that have not yet started return
// the context's error instead of building, builds already under way run to
// completion, and BuildAll returns that error without caching or returning
// any of this call's trees; trees cached by earlier calls are left in place.
func (r *Registry) BuildAll(ctx context.Context, spansByTraceID map[string][]span.Span) (map[string]*spantree.SpanNode, error) {
	results := make(map[string]*spantree.SpanNode, len(spansByTraceID))
	g, ctx := errgroup.WithContext(ctx)

	type built struct {
		traceID string
		root    *spantree.SpanNode
	}
	out := make(chan built, len(spansByTraceID))

	for traceID, spans := range spansByTraceID {
		traceID, spans := traceID, spans
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b := spantree.New(traceID, r.logger, r.builderOpts...)
			for _, s := range spans {
				b.AddSpan(s)
			}
			out <- built{traceID: traceID, root: b.Build()}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(out)

	for bt := range out {
		r.lru.Add(bt.traceID, bt.root)
		results[bt.traceID] = bt.root
	}
	return results, nil
}

// Get returns the cached tree for traceID, if one has been built and not yet
// evicted. It never triggers a build.
func (r *Registry) Get(traceID string) (*spantree.SpanNode, bool) {
	v, ok := r.lru.Get(traceID)
	if !ok {
		return nil, false
	}
	root, ok := v.(*spantree.SpanNode)
	return root, ok
}

// Len reports how many trees are currently cached.
func (r *Registry) Len() int {
	return r.lru.Len()
}
