package matcher

import (
	"fmt"
	"reflect"

	"github.com/PaesslerAG/jsonpath"
)

// Result is the outcome of one comparison. Path and Message are only set
// when Equal is false.
type Result struct {
	Equal   bool
	Message string
	Path    string
}

func equal() Result {
	return Result{Equal: true}
}

func mismatch(path Path, format string, a ...interface{}) Result {
	return Result{
		Message: fmt.Sprintf("%s: %s", path, fmt.Sprintf(format, a...)),
		Path:    path.String(),
	}
}

// Structural compares documents by structure, relaxed by pact matching rules.
type Structural struct{}

func (Structural) Match(actual, expected interface{}, matchingRules map[string]interface{}, root string) Result {
	return Match(actual, expected, matchingRules, root)
}

// Match compares actual against expected. Objects are compared on the
// expected keys only, arrays on length and elements. Rules are looked up by
// their full path, so root names where actual and expected sit in the
// interaction, e.g. $.body.
func Match(actual, expected interface{}, matchingRules map[string]interface{}, root string) Result {
	rootPath, err := ParsePath(root)
	if err != nil {
		return Result{Message: fmt.Sprintf("invalid root path: %s", err), Path: root}
	}
	rules, err := ParseRules(matchingRules)
	if err != nil {
		return Result{Message: fmt.Sprintf("invalid matching rules: %s", err), Path: root}
	}

	w := walker{rules: rules.under(rootPath)}
	if result := w.compare(rootPath, expected, actual, false); !result.Equal {
		return result
	}
	return w.applyValueRules(rootPath, expected, actual)
}

type walker struct {
	rules Rules
}

func (w *walker) compare(path Path, expected, actual interface{}, typeMode bool) Result {
	var min, max *int
	if set := w.rules.find(path); set != nil {
		if !set.structural() {
			return equal()
		}
		typeMode = set.typeMatch()
		min, max = set.bounds()
	}

	switch e := expected.(type) {
	case map[string]interface{}:
		a, ok := actual.(map[string]interface{})
		if !ok {
			return mismatch(path, "expected an object but got %s", describe(actual))
		}
		for _, k := range sortedKeys(e) {
			child := path.key(k)
			av, ok := a[k]
			if !ok {
				return mismatch(child, "expected %s but the key is missing", format(e[k]))
			}
			if result := w.compare(child, e[k], av, typeMode); !result.Equal {
				return result
			}
		}
		return equal()
	case []interface{}:
		a, ok := actual.([]interface{})
		if !ok {
			return mismatch(path, "expected an array but got %s", describe(actual))
		}
		if typeMode && (min != nil || max != nil) {
			if msg := checkLength(min, max, len(a)); msg != "" {
				return mismatch(path, "%s", msg)
			}
			if len(e) == 0 {
				return equal()
			}
			for i, av := range a {
				if result := w.compare(path.index(i), e[0], av, true); !result.Equal {
					return result
				}
			}
			return equal()
		}
		if len(a) != len(e) {
			return mismatch(path, "expected an array of length %d but got %d", len(e), len(a))
		}
		for i := range e {
			if result := w.compare(path.index(i), e[i], a[i], typeMode); !result.Equal {
				return result
			}
		}
		return equal()
	default:
		if typeMode {
			if !sameType(expected, actual) {
				return mismatch(path, "expected a value of type %s but got %s", describe(expected), describe(actual))
			}
			return equal()
		}
		if !reflect.DeepEqual(expected, actual) {
			return mismatch(path, "expected %s but got %s", format(expected), format(actual))
		}
		return equal()
	}
}

// applyValueRules checks regex and other value rules against every actual
// value their path selects, including array elements the expected document
// does not list.
func (w *walker) applyValueRules(root Path, expected, actual interface{}) Result {
	for _, set := range w.rules {
		if set.structural() {
			continue
		}
		rel := set.Path[len(root):]
		values, ok := lookup(rel, actual)
		if !ok {
			continue
		}

		var want interface{}
		if expectedValues, ok := lookup(rel, expected); ok && len(expectedValues) > 0 {
			want = expectedValues[0]
		}
		for _, v := range values {
			if msg := set.check(want, v); msg != "" {
				return Result{
					Message: fmt.Sprintf("%s: %s", set.Path, msg),
					Path:    set.Path.String(),
				}
			}
		}
	}
	return equal()
}

func lookup(rel Path, doc interface{}) ([]interface{}, bool) {
	if len(rel) == 0 {
		return []interface{}{doc}, true
	}
	v, err := jsonpath.Get(rel.jsonPath(), doc)
	if err != nil {
		return nil, false
	}
	if rel.wildcards() > 0 {
		values, ok := v.([]interface{})
		return values, ok
	}
	return []interface{}{v}, true
}
