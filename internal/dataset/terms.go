package dataset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/knakk/rdf"
)

// PlaceholderToken marks a value the generator could not infer. Statements
// still containing it must be completed by the caller before applying.
const PlaceholderToken = "$user_provided_value"

var (
	// ErrMalformedStatement is returned when an update or document cannot be parsed
	ErrMalformedStatement = errors.New("malformed statement")
	// ErrUnresolvedPlaceholder is returned when a statement still contains PlaceholderToken
	ErrUnresolvedPlaceholder = errors.New("statement contains an unresolved placeholder")
)

var prefixes = map[string]string{
	"xsd":  "http://www.w3.org/2001/XMLSchema#",
	"rdf":  "http://www.w3.org/1999/02/22-rdf-syntax-ns#",
	"rdfs": "http://www.w3.org/2000/01/rdf-schema#",
	"sh":   "http://www.w3.org/ns/shacl#",
	"owl":  "http://www.w3.org/2002/07/owl#",
}

// turtlePrologue declares the well-known prefixes ahead of every update body.
var turtlePrologue = func() string {
	names := make([]string, 0, len(prefixes))
	for name := range prefixes {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "@prefix %s: <%s> .\n", name, prefixes[name])
	}
	return b.String()
}()

func malformed(pos int, format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrMalformedStatement, pos, fmt.Sprintf(format, args...))
}

// rawOperation is one INSERT DATA or DELETE DATA block before its body is decoded
type rawOperation struct {
	kind OpKind
	body string
	pos  int
	// terminated is false when the final triple omits its dot
	terminated bool
}

// updateScanner cuts an update statement into its data blocks. Terms inside a
// block are left to the Turtle decoder; the scanner only skips strings, IRIs
// and comments so a brace inside them does not end the block.
type updateScanner struct {
	src string
	pos int
}

func splitUpdate(statement string) ([]rawOperation, error) {
	s := &updateScanner{src: statement}
	var ops []rawOperation
	for {
		s.skipSpaceAndComments()
		if s.eof() {
			return ops, nil
		}
		if s.src[s.pos] == ';' {
			s.pos++
			continue
		}

		start := s.pos
		keyword := strings.ToUpper(s.word())
		if keyword != "INSERT" && keyword != "DELETE" {
			if keyword == "" {
				keyword = string(s.src[start])
			}
			return nil, malformed(start, "expected INSERT or DELETE, got %q", keyword)
		}

		s.skipSpaceAndComments()
		if strings.ToUpper(s.word()) != "DATA" {
			return nil, malformed(s.pos, "expected DATA after %s", keyword)
		}

		s.skipSpaceAndComments()
		if s.eof() || s.src[s.pos] != '{' {
			return nil, malformed(s.pos, "expected '{'")
		}
		s.pos++

		op, err := s.block()
		if err != nil {
			return nil, err
		}
		op.kind = OpKind(keyword)
		ops = append(ops, op)
	}
}

func (s *updateScanner) eof() bool {
	return s.pos >= len(s.src)
}

func (s *updateScanner) skipSpaceAndComments() {
	for !s.eof() {
		c := s.src[s.pos]
		if c == '#' {
			s.skipComment()
			continue
		}
		if !unicode.IsSpace(rune(c)) {
			return
		}
		s.pos++
	}
}

func (s *updateScanner) skipComment() {
	for !s.eof() && s.src[s.pos] != '\n' {
		s.pos++
	}
}

func (s *updateScanner) word() string {
	start := s.pos
	for !s.eof() {
		c := s.src[s.pos]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			break
		}
		s.pos++
	}
	return s.src[start:s.pos]
}

// block reads up to the closing brace of a data block
func (s *updateScanner) block() (rawOperation, error) {
	start := s.pos
	var last byte
	for !s.eof() {
		c := s.src[s.pos]
		switch {
		case c == '}':
			op := rawOperation{
				body:       s.src[start:s.pos],
				pos:        start,
				terminated: last == 0 || last == '.',
			}
			s.pos++
			return op, nil
		case c == '#':
			s.skipComment()
			continue
		case c == '"' || c == '\'':
			if err := s.skipString(c); err != nil {
				return rawOperation{}, err
			}
			last = c
			continue
		case c == '<':
			end := strings.IndexByte(s.src[s.pos:], '>')
			if end < 0 {
				return rawOperation{}, malformed(s.pos, "unterminated IRI")
			}
			s.pos += end + 1
			last = '>'
			continue
		case !unicode.IsSpace(rune(c)):
			last = c
		}
		s.pos++
	}
	return rawOperation{}, malformed(len(s.src), "expected '}'")
}

func (s *updateScanner) skipString(quote byte) error {
	start := s.pos
	delim := string(quote)
	if strings.HasPrefix(s.src[s.pos:], strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	s.pos += len(delim)
	for !s.eof() {
		if s.src[s.pos] == '\\' {
			s.pos += 2
			continue
		}
		if strings.HasPrefix(s.src[s.pos:], delim) {
			s.pos += len(delim)
			return nil
		}
		s.pos++
	}
	return malformed(start, "unterminated literal")
}

// termString renders a decoded term in canonical N-Triples form. Language
// tags are lower-cased and xsd:string literals carry no explicit datatype.
func termString(term rdf.Term) string {
	if lit, ok := term.(rdf.Literal); ok {
		return literalTerm(lit.String(), lit.Lang(), lit.DataType.String())
	}
	return term.Serialize(rdf.NTriples)
}

func literalTerm(lexical, lang, datatype string) string {
	switch {
	case lang != "":
		return quote(lexical) + "@" + strings.ToLower(lang)
	case datatype == "" || datatype == prefixes["xsd"]+"string":
		return quote(lexical)
	}
	return quote(lexical) + "^^<" + datatype + ">"
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}

func unquote(s string) string {
	r := strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\n`, "\n", `\r`, "\r", `\t`, "\t")
	return r.Replace(s)
}

func iriTerm(s string) (rdf.IRI, error) {
	if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
		return rdf.IRI{}, fmt.Errorf("invalid IRI term %q", s)
	}
	return rdf.NewIRI(s[1 : len(s)-1])
}

func subjectTerm(s string) (rdf.Subject, error) {
	if label, ok := strings.CutPrefix(s, "_:"); ok {
		b, err := rdf.NewBlank(label)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	iri, err := iriTerm(s)
	if err != nil {
		return nil, err
	}
	return iri, nil
}

func objectTerm(s string) (rdf.Object, error) {
	if !strings.HasPrefix(s, `"`) {
		subj, err := subjectTerm(s)
		if err != nil {
			return nil, err
		}
		return subj.(rdf.Object), nil
	}

	// find the closing quote, skipping escaped characters
	end := -1
	for i := 1; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == '"' {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("invalid literal term %q", s)
	}

	lexical := unquote(s[1:end])
	rest := s[end+1:]
	switch {
	case strings.HasPrefix(rest, "@"):
		lit, err := rdf.NewLangLiteral(lexical, rest[1:])
		if err != nil {
			return nil, err
		}
		return lit, nil
	case strings.HasPrefix(rest, "^^"):
		dt, err := iriTerm(rest[2:])
		if err != nil {
			return nil, err
		}
		return rdf.NewTypedLiteral(lexical, dt), nil
	}
	lit, err := rdf.NewLiteral(lexical)
	if err != nil {
		return nil, err
	}
	return lit, nil
}

func expandPrefixed(word string) (string, bool) {
	prefix, local, ok := strings.Cut(word, ":")
	if !ok {
		return "", false
	}
	ns, known := prefixes[prefix]
	if !known {
		return "", false
	}
	return "<" + ns + local + ">", true
}

// FormatNode renders an entity identifier as a subject or predicate term
func FormatNode(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<") || strings.HasPrefix(id, "_:") {
		return id
	}
	if expanded, ok := expandPrefixed(id); ok {
		return expanded
	}
	if iri, err := rdf.NewIRI(id); err == nil {
		return iri.Serialize(rdf.NTriples)
	}
	return "<" + id + ">"
}

// FormatValue renders an offending value as an object term. Values that
// already look like terms are kept; absolute IRIs become IRI terms and
// everything else becomes a plain literal.
func FormatValue(value string) string {
	v := strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">"),
		strings.HasPrefix(v, "_:"),
		strings.HasPrefix(v, `"`) && strings.Count(v, `"`) >= 2:
		return v
	case strings.Contains(v, "://"):
		return FormatNode(v)
	}
	return literalTerm(value, "", "")
}

// TypedLiteral renders a lexical value with an explicit datatype, which may
// be an IRI or a prefixed name such as xsd:integer.
func TypedLiteral(lexical, datatype string) string {
	dt := strings.TrimSuffix(strings.TrimPrefix(FormatNode(datatype), "<"), ">")
	return literalTerm(lexical, "", dt)
}
