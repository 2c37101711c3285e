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

// Package span defines the immutable value types that a trace tree is built
// from: Span, Endpoint, Kind, and Annotation.
//
// A Span represents a single timed operation within a distributed trace. It
// carries an id and, optionally, a parent id; a set of spans sharing a trace
// id forms the raw material from which package spantree reconstructs a
// causal tree.
//
// Spans are immutable once constructed: callers build one with New and a set
// of Options, and thereafter only read it. Package merge is the only
// collaborator that manufactures a new Span from two others.
package span

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies the role a Span played in an RPC, if any.
type Kind int

// Enumerated span kinds.
const (
	KindUnspecified Kind = iota
	KindClient
	KindServer
	KindProducer
	KindConsumer
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "CLIENT"
	case KindServer:
		return "SERVER"
	case KindProducer:
		return "PRODUCER"
	case KindConsumer:
		return "CONSUMER"
	default:
		return ""
	}
}

// Endpoint identifies the network location a span executed at: the service
// name and the host address and port it was recorded against. The zero
// Endpoint is the 'no endpoint known' value.
type Endpoint struct {
	ServiceName string
	IPv4        net.IP
	IPv6        net.IP
	Port        uint16
}

// IsZero reports whether e carries no identifying information at all.
func (e Endpoint) IsZero() bool {
	return e.ServiceName == "" && e.IPv4 == nil && e.IPv6 == nil && e.Port == 0
}

// key returns a comparable representation of e suitable for use as a map key
// or for direct equality comparison; net.IP is itself a []byte and so is not
// comparable with ==, so it is rendered to its string form first.
func (e Endpoint) key() endpointKey {
	return endpointKey{
		serviceName: e.ServiceName,
		ipv4:        e.IPv4.String(),
		ipv6:        e.IPv6.String(),
		port:        e.Port,
	}
}

// Equal reports whether e and o identify the same endpoint.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.key() == o.key()
}

// MapKey returns a deterministic, comparable string encoding of e's four
// identifying fields, combined per spec.md §9's "composite key equality"
// guidance. It lets callers (package spantree) use Endpoint as part of a Go
// map key despite Endpoint itself containing the incomparable net.IP slice
// type.
func (e Endpoint) MapKey() string {
	k := e.key()
	return k.serviceName + "\x00" + k.ipv4 + "\x00" + k.ipv6 + "\x00" + fmt.Sprintf("%d", k.port)
}

type endpointKey struct {
	serviceName string
	ipv4        string
	ipv6        string
	port        uint16
}

// moreSpecific reports whether e carries more identifying detail than o: a
// non-empty service name or a non-zero address beats an absent one. Nothing
// in the module calls it; package merge unions endpoints field by field.
func (e Endpoint) moreSpecific(o Endpoint) bool {
	score := func(ep Endpoint) int {
		s := 0
		if ep.ServiceName != "" {
			s++
		}
		if ep.IPv4 != nil {
			s++
		}
		if ep.IPv6 != nil {
			s++
		}
		if ep.Port != 0 {
			s++
		}
		return s
	}
	return score(e) > score(o)
}

// Annotation is a single timestamped event attached to a Span, such as a
// logged message or a protocol milestone.
type Annotation struct {
	Timestamp time.Time
	Value     string
}

// ErrSelfParent is returned (and, per the builder's tolerant degrade policy,
// only ever logged rather than propagated by spantree.Builder.AddSpan) when a
// span's id equals its own parent id.
var ErrSelfParent = errors.New("span: id equals parentId")

// ErrEmptyTraceID is returned by New when traceID is empty.
var ErrEmptyTraceID = errors.New("span: traceId must be non-empty")

// ErrEmptyID is returned by New when id is empty.
var ErrEmptyID = errors.New("span: id must be non-empty")

// Span is an immutable record of a single timed operation in a trace.
type Span struct {
	TraceID       string
	ID            string
	ParentID      string
	Shared        bool
	Debug         bool
	LocalEndpoint Endpoint
	Kind          Kind
	Name          string
	Timestamp     time.Time
	Duration      time.Duration
	Tags          map[string]string
	Annotations   []Annotation
}

// HasParent reports whether s declares a parent id.
func (s Span) HasParent() bool {
	return s.ParentID != ""
}

// HasTimestamp reports whether s carries a recorded start timestamp.
func (s Span) HasTimestamp() bool {
	return !s.Timestamp.IsZero()
}

// Validate checks the invariants New enforces at construction time; it is
// exported so that callers assembling Spans by other means (e.g. decoding
// wire formats directly into a Span literal) can still enforce invariant
// S-1 before handing the Span to spantree.Builder.AddSpan.
func (s Span) Validate() error {
	if s.TraceID == "" {
		return ErrEmptyTraceID
	}
	if s.ID == "" {
		return ErrEmptyID
	}
	if s.ID == s.ParentID {
		return fmt.Errorf("span %s: %w", s.ID, ErrSelfParent)
	}
	return nil
}

// Option configures an optional Span field at construction.
type Option func(*Span)

// Parent sets the span's parent id.
func Parent(parentID string) Option {
	return func(s *Span) { s.ParentID = parentID }
}

// Shared marks the span as a server span sharing its id with its client
// counterpart (the Zipkin RPC-pair convention).
func Shared() Option {
	return func(s *Span) { s.Shared = true }
}

// Debug marks the span as a debug span.
func Debug() Option {
	return func(s *Span) { s.Debug = true }
}

// LocalEndpoint sets the span's local endpoint.
func LocalEndpoint(e Endpoint) Option {
	return func(s *Span) { s.LocalEndpoint = e }
}

// SpanKind sets the span's kind.
func SpanKind(k Kind) Option {
	return func(s *Span) { s.Kind = k }
}

// Name sets the span's operation name.
func Name(name string) Option {
	return func(s *Span) { s.Name = name }
}

// Timestamp sets the span's start time.
func Timestamp(ts time.Time) Option {
	return func(s *Span) { s.Timestamp = ts }
}

// Duration sets the span's duration.
func Duration(d time.Duration) Option {
	return func(s *Span) { s.Duration = d }
}

// Tag adds a single tag. Later calls to Tag with the same key overwrite
// earlier ones.
func Tag(key, value string) Option {
	return func(s *Span) {
		if s.Tags == nil {
			s.Tags = map[string]string{}
		}
		s.Tags[key] = value
	}
}

// WithAnnotation appends a single annotation, preserving call order.
func WithAnnotation(ts time.Time, value string) Option {
	return func(s *Span) {
		s.Annotations = append(s.Annotations, Annotation{Timestamp: ts, Value: value})
	}
}

// New constructs a Span with the required traceID and id, applying opts in
// order, and validates invariant S-1 (id != parentId). It returns
// ErrEmptyTraceID, ErrEmptyID, or a wrapped ErrSelfParent on invalid input;
// callers that want the builder's tolerant degrade-and-log policy instead of
// a hard error should construct the Span literal directly and call
// spantree.Builder.AddSpan, which treats
// ErrSelfParent as a FINE-logged no-op rather than a failure.
func New(traceID, id string, opts ...Option) (Span, error) {
	s := Span{TraceID: traceID, ID: id}
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.Validate(); err != nil {
		return Span{}, err
	}
	return s, nil
}
