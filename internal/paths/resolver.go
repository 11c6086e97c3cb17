// Package paths implements the path resolver used by input mappings and
// transform mappings: a JSONPath subset ($.field, [idx], [*]) compiled to
// gojq queries and evaluated against a run's accumulated output.
package paths

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/loomworks/loom/pkg/schema"
)

// Resolver compiles and evaluates path queries. Compiled queries are cached
// and reused across goroutines.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]*compiled
}

type compiled struct {
	code     *gojq.Code
	wildcard bool
}

// NewResolver creates a new Resolver with an empty compile cache.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]*compiled)}
}

// Resolve evaluates a path query against data. It returns the resolved value
// and true on a match, or (nil, false) when the path does not match. It never
// fails on missing data: a malformed query is the only error condition.
//
// Wildcard queries always match and yield the (possibly empty) slice of
// extracted values, index-aligned with the source collection: an element
// where the remaining path does not resolve contributes null rather than
// being dropped. A wildcard over a non-array contributes zero matches.
func (r *Resolver) Resolve(query string, data map[string]any) (any, bool, error) {
	c, err := r.getOrCompile(query)
	if err != nil {
		return nil, false, err
	}

	input := any(data)
	if data == nil {
		input = map[string]any{}
	}

	iter := c.code.Run(input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if _, isErr := v.(error); isErr {
			// Type mismatches along the path are data-shape misses, not faults.
			continue
		}
		results = append(results, v)
	}

	if c.wildcard {
		if results == nil {
			results = []any{}
		}
		return results, true, nil
	}

	if len(results) == 0 || results[0] == nil {
		return nil, false, nil
	}
	return results[0], true, nil
}

// Check reports whether the query parses. Used by template validation so a
// malformed mapping is rejected before any run starts.
func (r *Resolver) Check(query string) error {
	_, err := r.getOrCompile(query)
	return err
}

func (r *Resolver) getOrCompile(query string) (*compiled, error) {
	r.mu.RLock()
	if c, ok := r.cache[query]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache[query]; ok {
		return c, nil
	}

	program, wildcard, err := translate(query)
	if err != nil {
		return nil, err
	}

	parsed, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"path query %q: %s", query, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(parsed,
		// Block $ENV and env access from path queries.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"path query %q: %s", query, err.Error()).WithCause(err)
	}

	c := &compiled{code: code, wildcard: wildcard}
	r.cache[query] = c
	return c, nil
}

// translate converts a JSONPath-subset query into a gojq program.
// Supported: leading "$", ".field", "[<digits>]", "[*]".
func translate(query string) (program string, wildcard bool, err error) {
	q := strings.TrimSpace(query)
	if q == "" || q[0] != '$' {
		return "", false, schema.NewErrorf(schema.ErrCodeValidation,
			"path query %q: must start with '$'", query)
	}
	q = q[1:]

	var b strings.Builder
	b.WriteString(".")

	for len(q) > 0 {
		switch {
		case strings.HasPrefix(q, "."):
			q = q[1:]
			end := 0
			for end < len(q) && isFieldChar(q[end]) {
				end++
			}
			if end == 0 {
				return "", false, schema.NewErrorf(schema.ErrCodeValidation,
					"path query %q: expected field name after '.'", query)
			}
			if wildcard {
				// Inside a projection a miss must stay a slot, not vanish,
				// to keep the result index-aligned with the collection.
				fmt.Fprintf(&b, " | first(.[%s]?, null)", strconv.Quote(q[:end]))
			} else {
				fmt.Fprintf(&b, " | .[%s]?", strconv.Quote(q[:end]))
			}
			q = q[end:]

		case strings.HasPrefix(q, "[*]"):
			// Wildcard projects array elements only; anything else yields
			// zero matches.
			b.WriteString(" | arrays | .[]")
			wildcard = true
			q = q[3:]

		case strings.HasPrefix(q, "["):
			end := strings.IndexByte(q, ']')
			if end < 0 {
				return "", false, schema.NewErrorf(schema.ErrCodeValidation,
					"path query %q: unterminated index", query)
			}
			idx, convErr := strconv.Atoi(q[1:end])
			if convErr != nil || idx < 0 {
				return "", false, schema.NewErrorf(schema.ErrCodeValidation,
					"path query %q: invalid index %q", query, q[1:end])
			}
			if wildcard {
				fmt.Fprintf(&b, " | first(.[%d]?, null)", idx)
			} else {
				fmt.Fprintf(&b, " | .[%d]?", idx)
			}
			q = q[end+1:]

		default:
			return "", false, schema.NewErrorf(schema.ErrCodeValidation,
				"path query %q: unexpected character %q", query, q[0])
		}
	}

	return b.String(), wildcard, nil
}

func isFieldChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
