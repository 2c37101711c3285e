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

// Package merge collapses duplicate span records reported for the same
// (traceId, id, shared) equivalence class into a single canonical span,
// applying the field-dominance rules spec.md §4.B describes. Spans is
// commutative in outcome for non-conflicting fields and associative, so
// a caller folding N duplicate records can call Spans repeatedly in any
// order and reach the same result, as long as ties are always broken in
// favor of whichever argument is passed second (the "later-arriving" one).
package merge

import (
	"sort"
	"time"

	"github.com/tracetree/zipkintree/span"
)

// Spans merges a, which arrived first, with b, which arrived later,
// returning the canonical combination of the two equivalent span records.
// Spans does not validate that a and b actually share a (traceId, id,
// shared) key; that is the caller's responsibility, typically enforced by
// grouping records before merging.
func Spans(a, b span.Span) span.Span {
	bWins := scalarWinner(a, b)
	out := a
	out.Name = mergeString(a.Name, b.Name, bWins)
	out.Kind = mergeKind(a.Kind, b.Kind, bWins)
	out.Timestamp = mergeTimestamp(a.Timestamp, b.Timestamp, bWins)
	out.Duration = mergeDuration(a.Duration, b.Duration, bWins)
	out.LocalEndpoint = mergeEndpoint(a.LocalEndpoint, b.LocalEndpoint)
	out.Tags = mergeTags(a.Tags, b.Tags)
	out.Annotations = mergeAnnotations(a.Annotations, b.Annotations)
	out.Shared = a.Shared || b.Shared
	out.Debug = a.Debug || b.Debug
	return out
}

// scalarWinner reports whether b should win a scalar-field conflict between
// a and b: the record with the longer duration wins; ties (including the
// case where neither records a duration) are broken in favor of b, the
// later-arriving record.
func scalarWinner(a, b span.Span) bool {
	return b.Duration >= a.Duration
}

func mergeString(av, bv string, bWins bool) string {
	if av == "" {
		return bv
	}
	if bv == "" {
		return av
	}
	if av == bv {
		return av
	}
	if bWins {
		return bv
	}
	return av
}

func mergeKind(av, bv span.Kind, bWins bool) span.Kind {
	if av == span.KindUnspecified {
		return bv
	}
	if bv == span.KindUnspecified {
		return av
	}
	if av == bv {
		return av
	}
	if bWins {
		return bv
	}
	return av
}

func mergeTimestamp(av, bv time.Time, bWins bool) time.Time {
	if av.IsZero() {
		return bv
	}
	if bv.IsZero() {
		return av
	}
	if av.Equal(bv) {
		return av
	}
	if bWins {
		return bv
	}
	return av
}

func mergeDuration(av, bv time.Duration, bWins bool) time.Duration {
	if av == 0 {
		return bv
	}
	if bv == 0 {
		return av
	}
	if av == bv {
		return av
	}
	if bWins {
		return bv
	}
	return av
}

func mergeEndpoint(a, b span.Endpoint) span.Endpoint {
	out := span.Endpoint{}
	out.ServiceName = mergeServiceName(a.ServiceName, b.ServiceName)
	if a.IPv4 == nil {
		out.IPv4 = b.IPv4
	} else if b.IPv4 == nil {
		out.IPv4 = a.IPv4
	} else if a.IPv4.Equal(b.IPv4) {
		out.IPv4 = a.IPv4
	} else {
		out.IPv4 = b.IPv4 // later-arriving wins a genuine conflict
	}
	if a.IPv6 == nil {
		out.IPv6 = b.IPv6
	} else if b.IPv6 == nil {
		out.IPv6 = a.IPv6
	} else if a.IPv6.Equal(b.IPv6) {
		out.IPv6 = a.IPv6
	} else {
		out.IPv6 = b.IPv6
	}
	if a.Port == 0 {
		out.Port = b.Port
	} else if b.Port == 0 {
		out.Port = a.Port
	} else {
		out.Port = b.Port // later-arriving wins a genuine conflict
	}
	return out
}

func mergeServiceName(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return b
}

func mergeTags(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		// keep the non-empty value on collision; b, arriving later, wins
		// ties where both are non-empty.
		if existing, ok := out[k]; !ok || existing == "" || v != "" {
			out[k] = v
		}
	}
	return out
}

func mergeAnnotations(a, b []span.Annotation) []span.Annotation {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	type key struct {
		ts    int64
		value string
	}
	seen := make(map[key]bool, len(a)+len(b))
	out := make([]span.Annotation, 0, len(a)+len(b))
	add := func(anns []span.Annotation) {
		for _, ann := range anns {
			k := key{ts: ann.Timestamp.UnixNano(), value: ann.Value}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, ann)
		}
	}
	add(a)
	add(b)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
