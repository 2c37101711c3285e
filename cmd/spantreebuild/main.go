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

// Command spantreebuild reads a Zipkin v2 JSON span array and prints the
// trace tree(s) reconstructed from it: a breadth-first listing per trace id,
// followed by the timeline-edge decoration of its depth-first listing.
//
// It is a thin demonstration harness over package spantree, registry, and
// timeline, not a general ingestion service; spec.md's Non-goals exclude an
// HTTP ingestion API, and this command reads exactly one JSON document, from
// a file or from stdin.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/tracetree/zipkintree/registry"
	"github.com/tracetree/zipkintree/span"
	"github.com/tracetree/zipkintree/spantree"
	"github.com/tracetree/zipkintree/timeline"
	"github.com/tracetree/zipkintree/tracelog"
)

var (
	file              = flag.String("file", "", "Path to a Zipkin v2 JSON span array; defaults to stdin")
	endpointQualified = flag.Bool("endpoint-qualified", true, "Consider endpoint identity when resolving shared-span parents")
	cacheCapacity     = flag.Int("cache-capacity", 64, "Number of built trace trees to keep cached in the registry")
)

// zipkinEndpoint mirrors the Zipkin v2 "localEndpoint"/"remoteEndpoint"
// object shape.
type zipkinEndpoint struct {
	ServiceName string `json:"serviceName"`
	IPv4        string `json:"ipv4"`
	IPv6        string `json:"ipv6"`
	Port        uint16 `json:"port"`
}

func (e *zipkinEndpoint) toSpanEndpoint() span.Endpoint {
	if e == nil {
		return span.Endpoint{}
	}
	ep := span.Endpoint{ServiceName: e.ServiceName, Port: e.Port}
	if e.IPv4 != "" {
		ep.IPv4 = net.ParseIP(e.IPv4)
	}
	if e.IPv6 != "" {
		ep.IPv6 = net.ParseIP(e.IPv6)
	}
	return ep
}

// zipkinAnnotation mirrors the Zipkin v2 annotation object shape: a
// microsecond timestamp paired with a free-form value.
type zipkinAnnotation struct {
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value"`
}

// zipkinSpan mirrors the Zipkin v2 wire span shape spec.md §6 names as the
// ingestion layer's existing encoding.
type zipkinSpan struct {
	TraceID        string             `json:"traceId"`
	ID             string             `json:"id"`
	ParentID       string             `json:"parentId"`
	Kind           string             `json:"kind"`
	Name           string             `json:"name"`
	Timestamp      int64              `json:"timestamp"`
	Duration       int64              `json:"duration"`
	Debug          bool               `json:"debug"`
	Shared         bool               `json:"shared"`
	LocalEndpoint  *zipkinEndpoint    `json:"localEndpoint"`
	RemoteEndpoint *zipkinEndpoint    `json:"remoteEndpoint"`
	Tags           map[string]string  `json:"tags"`
	Annotations    []zipkinAnnotation `json:"annotations"`
}

func zipkinKind(s string) span.Kind {
	switch strings.ToUpper(s) {
	case "CLIENT":
		return span.KindClient
	case "SERVER":
		return span.KindServer
	case "PRODUCER":
		return span.KindProducer
	case "CONSUMER":
		return span.KindConsumer
	default:
		return span.KindUnspecified
	}
}

func microsToTime(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}

func (z zipkinSpan) toSpan() (span.Span, error) {
	opts := []span.Option{
		span.SpanKind(zipkinKind(z.Kind)),
		span.Name(z.Name),
		span.LocalEndpoint(z.LocalEndpoint.toSpanEndpoint()),
		span.Duration(time.Duration(z.Duration) * time.Microsecond),
	}
	if z.ParentID != "" {
		opts = append(opts, span.Parent(z.ParentID))
	}
	if z.Shared {
		opts = append(opts, span.Shared())
	}
	if z.Debug {
		opts = append(opts, span.Debug())
	}
	if !microsToTime(z.Timestamp).IsZero() {
		opts = append(opts, span.Timestamp(microsToTime(z.Timestamp)))
	}
	for k, v := range z.Tags {
		opts = append(opts, span.Tag(k, v))
	}
	for _, a := range z.Annotations {
		opts = append(opts, span.WithAnnotation(microsToTime(a.Timestamp), a.Value))
	}
	return span.New(z.TraceID, z.ID, opts...)
}

func main() {
	flag.Parse()
	logger := tracelog.Default()

	var r io.Reader = os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			logger.Fatalf("opening %s: %v", *file, err)
		}
		defer f.Close()
		r = f
	}

	var zspans []zipkinSpan
	if err := json.NewDecoder(r).Decode(&zspans); err != nil {
		logger.Fatalf("decoding Zipkin v2 JSON: %v", err)
	}

	byTrace := map[string][]span.Span{}
	for _, z := range zspans {
		s, err := z.toSpan()
		if err != nil {
			logger.Finef("skipping invalid span %s: %v", z.ID, err)
			continue
		}
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}
	if len(byTrace) == 0 {
		logger.Fatalf("no valid spans decoded")
	}

	var builderOpts []spantree.Option
	if !*endpointQualified {
		builderOpts = append(builderOpts, spantree.WithEndpointQualification(false))
	}

	reg, err := registry.New(*cacheCapacity, logger, builderOpts...)
	if err != nil {
		logger.Fatalf("constructing registry: %v", err)
	}
	trees, err := reg.BuildAll(context.Background(), byTrace)
	if err != nil {
		logger.Fatalf("building trees: %v", err)
	}

	for traceID, root := range trees {
		fmt.Printf("trace %s\n", tracelog.HexID(traceID))
		printTree(root)
	}
}

func printTree(root *spantree.SpanNode) {
	order := root.Traverse()
	fmt.Println("  breadth-first:")
	for _, n := range order {
		fmt.Printf("    %s\n", describeNode(n))
	}

	rows := flattenDepthFirst(root)
	fmt.Println("  timeline:")
	segsByRow := map[int][]timeline.Segment{}
	for _, seg := range timeline.Decorate(rowsOf(rows)) {
		row := seg.Row
		if seg.Kind == timeline.Vertical {
			row = seg.ToRow
		}
		segsByRow[row] = append(segsByRow[row], seg)
	}
	for _, dr := range rows {
		fmt.Printf("    [%s] %s\n", segmentGlyphs(segsByRow[dr.row]), describeNode(dr.node))
	}
}

func describeNode(n *spantree.SpanNode) string {
	s := n.Span()
	if s == nil {
		return "<synthetic root>"
	}
	shared := ""
	if s.Shared {
		shared = " (shared)"
	}
	return fmt.Sprintf("id=%s name=%q%s", tracelog.HexID(s.ID), s.Name, shared)
}

type depthRow struct {
	row   int
	depth int
	node  *spantree.SpanNode
}

// flattenDepthFirst walks root pre-order, recording each node's row index
// and tree depth for timeline.Decorate.
func flattenDepthFirst(root *spantree.SpanNode) []depthRow {
	var out []depthRow
	var walk func(n *spantree.SpanNode, depth int)
	walk = func(n *spantree.SpanNode, depth int) {
		out = append(out, depthRow{row: len(out), depth: depth, node: n})
		for _, c := range n.Children() {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return out
}

func rowsOf(drs []depthRow) []timeline.Row {
	out := make([]timeline.Row, len(drs))
	for i, dr := range drs {
		out[i] = timeline.Row{Index: dr.row, Depth: dr.depth}
	}
	return out
}

func segmentGlyphs(segs []timeline.Segment) string {
	if len(segs) == 0 {
		return " "
	}
	var b strings.Builder
	for _, s := range segs {
		kind := "-"
		if s.Kind == timeline.Vertical {
			kind = "|"
		}
		fmt.Fprintf(&b, "%s@%d ", kind, s.Column)
	}
	return strings.TrimSpace(b.String())
}
