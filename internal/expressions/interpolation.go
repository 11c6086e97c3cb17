package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/internal/secrets"
	"github.com/loomworks/loom/pkg/schema"
)

// Interpolator resolves ${{...}} references in prompt text and tool
// arguments. Two-pass: first resolves non-secret namespaces, second resolves
// secrets via the Vault.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates a new Interpolator with an optional Vault for
// secret resolution (nil disables ${{secrets.*}}).
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// HasInterpolation reports whether the string contains a ${{ marker.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// RenderText substitutes every ${{...}} reference in text with its resolved
// value. Used for prompt rendering.
func (interp *Interpolator) RenderText(ctx context.Context, text string, scope *Scope) (string, error) {
	resolved, err := interp.resolvePass(ctx, text, scope, false)
	if err != nil {
		return "", err
	}
	return interp.resolvePass(ctx, resolved, scope, true)
}

// ResolveValue walks an arbitrary JSON-shaped value (maps, slices, strings)
// and substitutes ${{...}} references inside string leaves. A string that is
// exactly one reference resolves to the referenced value with its original
// type; mixed strings render inline. Used for tool-call argument templating.
func (interp *Interpolator) ResolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := interp.ResolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := interp.ResolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		if !HasInterpolation(val) {
			return val, nil
		}
		// Whole-string reference keeps the resolved value's type.
		trimmed := strings.TrimSpace(val)
		if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
			inner := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
			if inner != "" && !strings.Contains(inner, "${{") {
				return interp.resolveExpr(ctx, inner, scope)
			}
		}
		return interp.RenderText(ctx, val, scope)
	default:
		return v, nil
	}
}

// resolvePass scans for ${{...}} tokens and resolves them.
// If secretPass is false it resolves everything except secrets.* and leaves
// secret tokens untouched; if true it resolves only secrets.*.
func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope *Scope, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")
		if secretPass != isSecret {
			// Not this pass's namespace; write the token back unchanged.
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return result.String(), nil
}

// resolveExpr resolves a single reference like "steps.fetch.summary".
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *Scope) (any, error) {
	namespace, _, _ := strings.Cut(expr, ".")
	if namespace == "secrets" {
		return interp.resolveSecret(ctx, expr)
	}

	var data map[string]any
	var kind string
	switch namespace {
	case "steps":
		data, kind = scope.Steps, "step"
	case "inputs":
		data, kind = scope.Inputs, "input"
	case "vars":
		data, kind = scope.Vars, "variable"
	case "run":
		data, kind = scope.Run, "run field"
	case "locals":
		data, kind = scope.Locals, "local"
	default:
		available := []string{"steps", "inputs", "vars", "run", "locals", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
	return interp.resolveNamespace(data, expr, kind)
}

// resolveNamespace resolves <ns>.<field>[.<subfield>...] from a scope map.
func (interp *Interpolator) resolveNamespace(data map[string]any, expr, kind string) (any, error) {
	_, fieldPath, ok := strings.Cut(expr, ".")
	if !ok || fieldPath == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid %s reference %q: expected a field after the namespace", kind, expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, kind).
			WithDetails(map[string]any{"expression": expr})
	}

	// Direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}
	return traversePath(data, fieldPath, expr)
}

// resolveSecret resolves secrets.<key> via the Vault.
func (interp *Interpolator) resolveSecret(ctx context.Context, expr string) (any, error) {
	_, key, ok := strings.Cut(expr, ".")
	if !ok || key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}
	return string(val), nil
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline text representation.
// Strings embed without quotes; complex types JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
