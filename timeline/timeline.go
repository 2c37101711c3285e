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

// Package timeline computes the vertical/horizontal tree-edge glyphs a
// rendered timeline view draws beside a depth-ordered span listing. Given a
// pre-order (depth-first) flattening of a spantree.SpanNode tree, Decorate
// derives, in one pass, which rows need a connecting vertical line at which
// column, and which rows need a horizontal stub reaching into their own bar.
package timeline

// Kind distinguishes the two glyph shapes Decorate emits.
type Kind int

// Enumerated segment kinds.
const (
	Vertical Kind = iota
	Horizontal
)

// Row is one entry of the pre-order-flattened span listing Decorate
// consumes: its position in the listing and its depth in the tree.
type Row struct {
	Index int
	Depth int
}

// Segment is one tree-edge glyph to draw. A Vertical segment spans rows
// [FromRow, ToRow] at column Column; a Horizontal segment occupies row Row
// from column Column to the row's full width.
type Segment struct {
	Kind    Kind
	Column  int
	Row     int
	FromRow int
	ToRow   int
}

type frame struct {
	index int
	depth int
}

// Decorate computes the tree-edge segments for rows, a pre-order-flattened
// listing of a tree's spans. rows must already be depth-first ordered (as
// produced by a pre-order walk of the built tree); Decorate does not itself
// traverse a tree.
//
// The algorithm is a single pass over rows maintaining a stack of frames
// representing the current path from the tree's root to the row just
// emitted. Each incoming row is classified by comparing its depth to the
// frame on top of the stack:
//
//   - descent (deeper than the top frame): the new row gets a horizontal
//     stub from the top frame's column (read before the push), then push.
//   - sibling (same depth as the top frame): pop the top frame, push the new
//     one; the horizontal stub is drawn from the (new) top's column.
//   - ascent (shallower than the top frame): pop every frame at least as
//     deep as the new row, recording a vertical segment between each
//     consecutive pair of popped frames at the popped frame's column, then
//     push the new row.
//
// After the last row, any frames still on the stack are drained pairwise
// into final vertical segments, connecting a parent's first and last
// emitted children.
func Decorate(rows []Row) []Segment {
	var stack []frame
	var segments []Segment

	for _, r := range rows {
		switch {
		case len(stack) == 0:
			stack = append(stack, frame{index: r.Index, depth: r.Depth})
		case stack[len(stack)-1].depth < r.Depth:
			segments = append(segments, Segment{
				Kind: Horizontal, Row: r.Index, Column: stack[len(stack)-1].depth,
			})
			stack = append(stack, frame{index: r.Index, depth: r.Depth})
		case stack[len(stack)-1].depth == r.Depth:
			stack = stack[:len(stack)-1]
			parentDepth := topDepth(stack, r.Depth-1)
			stack = append(stack, frame{index: r.Index, depth: r.Depth})
			segments = append(segments, Segment{
				Kind: Horizontal, Row: r.Index, Column: parentDepth,
			})
		default:
			var popped []frame
			for len(stack) > 0 && stack[len(stack)-1].depth >= r.Depth {
				popped = append(popped, stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
			parentDepth := topDepth(stack, r.Depth-1)
			stack = append(stack, frame{index: r.Index, depth: r.Depth})
			segments = append(segments, verticalChain(popped)...)
			segments = append(segments, Segment{
				Kind: Horizontal, Row: r.Index, Column: parentDepth,
			})
		}
	}

	segments = append(segments, verticalChain(reverse(stack))...)
	return segments
}

// verticalChain emits one vertical segment per consecutive pair of frames in
// popped, which is assumed to be in LIFO (most-recently-pushed-first) order;
// the segment between popped[i] and popped[i+1] sits at popped[i]'s column.
func verticalChain(popped []frame) []Segment {
	var out []Segment
	for i := 0; i+1 < len(popped); i++ {
		out = append(out, Segment{
			Kind:    Vertical,
			Column:  popped[i].depth,
			FromRow: popped[i].index,
			ToRow:   popped[i+1].index,
		})
	}
	return out
}

// topDepth returns the depth of the stack's top frame, or fallback if the
// stack is empty (a sibling or ascent row with no enclosing frame left).
func topDepth(stack []frame, fallback int) int {
	if len(stack) == 0 {
		return fallback
	}
	return stack[len(stack)-1].depth
}

func reverse(fs []frame) []frame {
	out := make([]frame, len(fs))
	for i, f := range fs {
		out[len(fs)-1-i] = f
	}
	return out
}
