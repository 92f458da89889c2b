// Package dataset holds the live datasets that repairs are applied to.
//
// A dataset is an in-memory set of triples whose terms are kept in
// canonical N-Triples form. Documents and block bodies are decoded with
// github.com/knakk/rdf. Mutations are expressed as a small update
// language: one or more operations separated by ";", each either
//
//	INSERT DATA { <s> <p> "o" . }
//	DELETE DATA { <s> <p> "o"^^xsd:integer . }
//
// An update is parsed completely before anything is mutated, so a
// malformed statement never leaves a dataset half-applied.
package dataset

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/knakk/rdf"
)

// Dataset is a mutable, clonable set of triples
type Dataset interface {
	// Clone returns a full logical copy that shares no state with the receiver.
	Clone() (Dataset, error)
	// Apply executes an update statement and returns the number of triples
	// added or removed.
	Apply(statement string) (int, error)
	// Triples returns the current triples in a stable order.
	Triples() []Triple
	Len() int
}

// Triple is one subject/predicate/object statement in canonical form
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// String renders the triple as an N-Triples line
func (t Triple) String() string {
	return t.Subject + " " + t.Predicate + " " + t.Object + " ."
}

// Graph is the in-memory Dataset implementation. It is safe for
// concurrent use.
type Graph struct {
	mu      sync.RWMutex
	triples map[Triple]struct{}
}

// NewGraph creates a graph holding the given triples
func NewGraph(triples ...Triple) *Graph {
	g := &Graph{triples: make(map[Triple]struct{}, len(triples))}
	for _, t := range triples {
		g.triples[t] = struct{}{}
	}
	return g
}

// Clone implements Dataset
func (g *Graph) Clone() (Dataset, error) {
	return g.Copy(), nil
}

// Copy returns a deep copy of the graph
func (g *Graph) Copy() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := &Graph{triples: make(map[Triple]struct{}, len(g.triples))}
	for t := range g.triples {
		c.triples[t] = struct{}{}
	}
	return c
}

// Apply implements Dataset
func (g *Graph) Apply(statement string) (int, error) {
	ops, err := ParseUpdate(statement)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	affected := 0
	for _, op := range ops {
		for _, t := range op.Triples {
			_, exists := g.triples[t]
			switch op.Kind {
			case OpInsert:
				if !exists {
					g.triples[t] = struct{}{}
					affected++
				}
			case OpDelete:
				if exists {
					delete(g.triples, t)
					affected++
				}
			}
		}
	}
	return affected, nil
}

// Triples implements Dataset
func (g *Graph) Triples() []Triple {
	g.mu.RLock()
	out := make([]Triple, 0, len(g.triples))
	for t := range g.triples {
		out = append(out, t)
	}
	g.mu.RUnlock()

	sortTriples(out)
	return out
}

// Len implements Dataset
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.triples)
}

// Has reports whether the triple is present
func (g *Graph) Has(t Triple) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.triples[t]
	return ok
}

func sortTriples(ts []Triple) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Subject != ts[j].Subject {
			return ts[i].Subject < ts[j].Subject
		}
		if ts[i].Predicate != ts[j].Predicate {
			return ts[i].Predicate < ts[j].Predicate
		}
		return ts[i].Object < ts[j].Object
	})
}

// OpKind distinguishes insert from delete operations
type OpKind string

const (
	OpInsert OpKind = "INSERT"
	OpDelete OpKind = "DELETE"
)

// Operation is one parsed INSERT DATA or DELETE DATA block
type Operation struct {
	Kind    OpKind
	Triples []Triple
}

// ParseUpdate parses an update statement into operations. Block bodies are
// Turtle, so the well-known prefixes, numeric and boolean shorthands and the
// "a" keyword are accepted alongside plain N-Triples terms.
func ParseUpdate(statement string) ([]Operation, error) {
	if strings.Contains(statement, PlaceholderToken) {
		return nil, ErrUnresolvedPlaceholder
	}

	raw, err := splitUpdate(statement)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, malformed(0, "no operations")
	}

	ops := make([]Operation, 0, len(raw))
	for _, r := range raw {
		triples, err := decodeBody(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Operation{Kind: r.kind, Triples: triples})
	}
	return ops, nil
}

func decodeBody(r rawOperation) ([]Triple, error) {
	doc := turtlePrologue + r.body
	// the final triple in a block may omit its terminating dot
	if !r.terminated {
		doc += "\n."
	}

	decoded, err := rdf.NewTripleDecoder(strings.NewReader(doc), rdf.Turtle).DecodeAll()
	if err != nil {
		return nil, malformed(r.pos, "%v", err)
	}
	return fromRDF(decoded), nil
}

func fromRDF(decoded []rdf.Triple) []Triple {
	out := make([]Triple, 0, len(decoded))
	for _, t := range decoded {
		out = append(out, Triple{
			Subject:   termString(t.Subj),
			Predicate: termString(t.Pred),
			Object:    termString(t.Obj),
		})
	}
	return out
}

// toRDF converts a canonical triple back into library terms
func (t Triple) toRDF() (rdf.Triple, error) {
	subj, err := subjectTerm(t.Subject)
	if err != nil {
		return rdf.Triple{}, err
	}
	pred, err := iriTerm(t.Predicate)
	if err != nil {
		return rdf.Triple{}, err
	}
	obj, err := objectTerm(t.Object)
	if err != nil {
		return rdf.Triple{}, err
	}
	return rdf.Triple{Subj: subj, Pred: pred, Obj: obj}, nil
}

// ParseNTriples reads an N-Triples document.
func ParseNTriples(r io.Reader) ([]Triple, error) {
	decoded, err := rdf.NewTripleDecoder(r, rdf.NTriples).DecodeAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStatement, err)
	}
	return fromRDF(decoded), nil
}

// WriteNTriples writes the dataset as an N-Triples document in stable order
func WriteNTriples(w io.Writer, ds Dataset) error {
	enc := rdf.NewTripleEncoder(w, rdf.NTriples)
	for _, t := range ds.Triples() {
		rt, err := t.toRDF()
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", t, err)
		}
		if err := enc.Encode(rt); err != nil {
			return err
		}
	}
	return enc.Close()
}

// Serialize returns the dataset as an N-Triples string
func Serialize(ds Dataset) string {
	var b strings.Builder
	_ = WriteNTriples(&b, ds)
	return b.String()
}
