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

package spantree

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tracetree/zipkintree/span"
	"github.com/tracetree/zipkintree/tracelog"
)

func mustSpan(t *testing.T, id string, opts ...span.Option) span.Span {
	t.Helper()
	s, err := span.New("deadbeef", id, opts...)
	if err != nil {
		t.Fatalf("span.New(%q) failed: %v", id, err)
	}
	return s
}

func ids(nodes []*SpanNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		if n.Span() == nil {
			out[i] = "<root>"
			continue
		}
		out[i] = n.Span().ID
	}
	return out
}

func childIDs(n *SpanNode) []string {
	return ids(n.Children())
}

func assertStrings(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLinearChainReverseOrder(t *testing.T) {
	b := New("deadbeef", nil)
	b.AddSpan(mustSpan(t, "d", span.Parent("c")))
	b.AddSpan(mustSpan(t, "c", span.Parent("b")))
	b.AddSpan(mustSpan(t, "b", span.Parent("a")))
	b.AddSpan(mustSpan(t, "a"))

	root := b.Build()
	if root.Span() == nil || root.Span().ID != "a" {
		t.Fatalf("root = %v, want span a", root.Span())
	}
	assertStrings(t, childIDs(root), []string{"b"})
	assertStrings(t, childIDs(root.Children()[0]), []string{"c"})
	assertStrings(t, childIDs(root.Children()[0].Children()[0]), []string{"d"})
	assertStrings(t, ids(root.Traverse()), []string{"a", "b", "c", "d"})
}

func TestSharedIDRPCPair(t *testing.T) {
	b := New("deadbeef", nil)
	b.AddSpan(mustSpan(t, "a"))
	b.AddSpan(mustSpan(t, "b", span.Parent("a")))
	b.AddSpan(mustSpan(t, "b", span.Parent("a"), span.Shared()))
	b.AddSpan(mustSpan(t, "c", span.Parent("b")))

	root := b.Build()
	assertStrings(t, ids(root.Traverse()), []string{"a", "b", "b", "c"})

	bClient := root.Children()[0]
	if bClient.Span().Shared {
		t.Fatalf("first b node should be the non-shared client half")
	}
	bServer := bClient.Children()[0]
	if !bServer.Span().Shared {
		t.Fatalf("second b node should be the shared server half")
	}
	assertStrings(t, childIDs(bServer), []string{"c"})
}

func TestDuplicateServerSpansQualifiedByEndpoint(t *testing.T) {
	foo := span.Endpoint{ServiceName: "foo"}
	bar := span.Endpoint{ServiceName: "bar"}

	b := New("deadbeef", nil)
	b.AddSpan(mustSpan(t, "a"))
	b.AddSpan(mustSpan(t, "b", span.Parent("a")))
	b.AddSpan(mustSpan(t, "b", span.Parent("a"), span.Shared(), span.LocalEndpoint(foo)))
	b.AddSpan(mustSpan(t, "b", span.Parent("a"), span.Shared(), span.LocalEndpoint(bar)))
	b.AddSpan(mustSpan(t, "c", span.Parent("b"), span.LocalEndpoint(bar)))
	b.AddSpan(mustSpan(t, "d", span.Parent("b"), span.LocalEndpoint(foo)))

	root := b.Build()
	bClient := root.Children()[0]
	if bClient.Span().Shared {
		t.Fatalf("expected non-shared client span first under root")
	}
	if len(bClient.Children()) != 2 {
		t.Fatalf("b client should have 2 shared-server children, got %d", len(bClient.Children()))
	}
	bBar, bFoo := bClient.Children()[0], bClient.Children()[1]
	if !bBar.Span().LocalEndpoint.Equal(bar) || !bFoo.Span().LocalEndpoint.Equal(foo) {
		t.Fatalf("expected bar server before foo server, got endpoints %+v, %+v",
			bBar.Span().LocalEndpoint, bFoo.Span().LocalEndpoint)
	}
	assertStrings(t, childIDs(bBar), []string{"c"})
	assertStrings(t, childIDs(bFoo), []string{"d"})
}

func TestHeadlessTrace(t *testing.T) {
	var buf bytes.Buffer
	b := New("deadbeef", tracelog.New(&buf))
	b.AddSpan(mustSpan(t, "b", span.Parent("a")))
	b.AddSpan(mustSpan(t, "c", span.Parent("a")))
	b.AddSpan(mustSpan(t, "d", span.Parent("a")))

	root := b.Build()
	if root.Span() != nil {
		t.Fatalf("root.Span() = %v, want nil synthetic root", root.Span())
	}
	assertStrings(t, childIDs(root), []string{"b", "c", "d"})
	if !strings.Contains(buf.String(), "substituting dummy node") {
		t.Errorf("log = %q, want it to mention substituting dummy node", buf.String())
	}
}

func TestOrphanAttribution(t *testing.T) {
	var buf bytes.Buffer
	b := New("deadbeef", tracelog.New(&buf))
	b.AddSpan(mustSpan(t, "b"))
	b.AddSpan(mustSpan(t, "c", span.Parent("b")))
	b.AddSpan(mustSpan(t, "d", span.Parent("b")))
	b.AddSpan(mustSpan(t, "e"))
	b.AddSpan(mustSpan(t, "f"))

	root := b.Build()
	if root.Span() == nil || root.Span().ID != "b" {
		t.Fatalf("root = %v, want span b", root.Span())
	}
	assertStrings(t, childIDs(root), []string{"c", "d", "e", "f"})
	log := buf.String()
	if strings.Count(log, "attributing span missing parent to root") != 2 {
		t.Errorf("log = %q, want exactly two attribution lines", log)
	}
	if !strings.Contains(log, "spanId=000000000000000e") || !strings.Contains(log, "spanId=000000000000000f") {
		t.Errorf("log = %q, want it to reference spans e and f", log)
	}
}

func TestDeduplicationOfUnmergedDuplicates(t *testing.T) {
	b := New("deadbeef", nil)
	b.AddSpan(mustSpan(t, "a"))
	b.AddSpan(mustSpan(t, "a"))
	b.AddSpan(mustSpan(t, "a"))

	root := b.Build()
	if root.Span() == nil || root.Span().ID != "a" {
		t.Fatalf("root = %v, want span a", root.Span())
	}
	if len(root.Children()) != 0 {
		t.Fatalf("root.Children() = %v, want none", childIDs(root))
	}
}

func TestSelfParentRejection(t *testing.T) {
	var buf bytes.Buffer
	b := New("deadbeef", tracelog.New(&buf))
	s := span.Span{TraceID: "deadbeef", ID: "x", ParentID: "x"}
	if b.AddSpan(s) {
		t.Fatalf("AddSpan() = true, want false for a self-parented span")
	}
	if !strings.Contains(buf.String(), "skipping circular dependency") {
		t.Errorf("log = %q, want it to mention skipping circular dependency", buf.String())
	}
}

func TestEveryAcceptedSpanAppearsExactlyOnce(t *testing.T) {
	b := New("deadbeef", nil)
	for _, s := range []span.Span{
		mustSpan(t, "a"),
		mustSpan(t, "b", span.Parent("a")),
		mustSpan(t, "c", span.Parent("a")),
		mustSpan(t, "d", span.Parent("b")),
	} {
		b.AddSpan(s)
	}
	root := b.Build()
	seen := map[string]int{}
	for _, n := range root.Traverse() {
		if n.Span() != nil {
			seen[n.Span().ID]++
		}
	}
	if len(root.Traverse()) != 4 {
		t.Fatalf("traverse length = %d, want 4 (real root, no synthetic node)", len(root.Traverse()))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("span %s appeared %d times, want exactly 1", id, count)
		}
	}
}

func TestChildParentBackReference(t *testing.T) {
	b := New("deadbeef", nil)
	b.AddSpan(mustSpan(t, "a"))
	b.AddSpan(mustSpan(t, "b", span.Parent("a")))
	root := b.Build()
	child := root.Children()[0]
	if child.Parent() != root {
		t.Fatalf("child.Parent() != root")
	}
	found := false
	for _, c := range child.Parent().Children() {
		if c == child {
			found = true
		}
	}
	if !found {
		t.Errorf("child not found in child.Parent().Children()")
	}
}

func TestAddChildIdempotent(t *testing.T) {
	parent := &SpanNode{span: &span.Span{ID: "p"}}
	child := &SpanNode{span: &span.Span{ID: "c"}}
	if err := parent.addChild(child); err != nil {
		t.Fatalf("first addChild: %v", err)
	}
	if err := parent.addChild(child); err != nil {
		t.Fatalf("second addChild: %v", err)
	}
	if len(parent.children) != 1 {
		t.Errorf("children = %v, want exactly one entry", childIDs(parent))
	}
}

func TestAddChildRejectsNilAndSelf(t *testing.T) {
	n := &SpanNode{span: &span.Span{ID: "n"}}
	if err := n.addChild(nil); err != ErrNilChild {
		t.Errorf("addChild(nil) = %v, want ErrNilChild", err)
	}
	if err := n.addChild(n); err != ErrSelfChild {
		t.Errorf("addChild(self) = %v, want ErrSelfChild", err)
	}
}

func TestSetSpanRejectsNil(t *testing.T) {
	n := &SpanNode{span: &span.Span{ID: "n"}}
	if err := n.SetSpan(nil); err != ErrNilSpan {
		t.Errorf("SetSpan(nil) = %v, want ErrNilSpan", err)
	}
}

func TestWithEndpointQualificationDisabledCollapsesDistinctHosts(t *testing.T) {
	foo := span.Endpoint{ServiceName: "foo"}
	bar := span.Endpoint{ServiceName: "bar"}

	b := New("deadbeef", nil, WithEndpointQualification(false))
	b.AddSpan(mustSpan(t, "a"))
	b.AddSpan(mustSpan(t, "b", span.Parent("a")))
	b.AddSpan(mustSpan(t, "b", span.Parent("a"), span.Shared(), span.LocalEndpoint(foo)))
	b.AddSpan(mustSpan(t, "b", span.Parent("a"), span.Shared(), span.LocalEndpoint(bar)))

	root := b.Build()
	bClient := root.Children()[0]
	if len(bClient.Children()) != 1 {
		t.Fatalf("with endpoint qualification disabled, want the two shared spans to collapse onto one key, got %d children",
			len(bClient.Children()))
	}
}

func TestBFSOrderRespectsDepth(t *testing.T) {
	b := New("deadbeef", nil)
	b.AddSpan(mustSpan(t, "a"))
	b.AddSpan(mustSpan(t, "b", span.Parent("a")))
	b.AddSpan(mustSpan(t, "c", span.Parent("a")))
	b.AddSpan(mustSpan(t, "d", span.Parent("b")))
	root := b.Build()

	depth := map[string]int{}
	var walk func(n *SpanNode, d int)
	walk = func(n *SpanNode, d int) {
		if n.Span() != nil {
			depth[n.Span().ID] = d
		}
		for _, c := range n.Children() {
			walk(c, d+1)
		}
	}
	walk(root, 0)

	order := root.Traverse()
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			di, dj := depth[order[i].Span().ID], depth[order[j].Span().ID]
			if di > dj {
				t.Errorf("traverse order %v violates BFS depth ordering at positions %d,%d", ids(order), i, j)
			}
		}
	}
}
