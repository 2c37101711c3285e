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

// Package spantreetest provides a deterministic, diffable text rendering of a
// built spantree.SpanNode tree, for use by tests that want to assert on tree
// shape without comparing *SpanNode pointers directly (SpanNode carries a
// non-comparable parent back-reference, so reflect.DeepEqual and cmp.Diff
// cannot be pointed at two trees directly).
package spantreetest

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/tracetree/zipkintree/spantree"
)

// PrettyPrint renders root and its descendants as a depth-indented listing,
// one line per node, in pre-order (so a line's position also reveals its
// parent: the nearest preceding line with one less indentation).
//
// Each line identifies a node by its span id, its shared-ness, and its local
// endpoint's service name (or "-" if no endpoint is set); the synthetic root
// of a headless trace renders as "<root>".
func PrettyPrint(root *spantree.SpanNode) []string {
	var out []string
	var walk func(n *spantree.SpanNode, depth int)
	walk = func(n *spantree.SpanNode, depth int) {
		out = append(out, strings.Repeat("  ", depth)+describe(n))
		for _, c := range n.Children() {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return out
}

func describe(n *spantree.SpanNode) string {
	s := n.Span()
	if s == nil {
		return "<root>"
	}
	service := s.LocalEndpoint.ServiceName
	if service == "" {
		service = "-"
	}
	return fmt.Sprintf("id=%s shared=%t endpoint=%s", s.ID, s.Shared, service)
}

// Diff renders want and got with PrettyPrint and diffs the two renderings,
// returning "" if they're equivalent. The diff is over the printed text
// rather than the raw trees so the comparison depends only on the observable
// tree shape, not on internal pointer identity.
func Diff(want, got *spantree.SpanNode) string {
	return cmp.Diff(PrettyPrint(want), PrettyPrint(got))
}
