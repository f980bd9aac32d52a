package matcher

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const (
	combineAnd = "AND"
	combineOr  = "OR"
)

// v3 matching rule categories and the root key they are rooted at.
var categories = map[string]string{
	"body":    "body",
	"header":  "headers",
	"headers": "headers",
	"query":   "query",
	"path":    "path",
	"status":  "status",
}

type Rule struct {
	Match string
	Regex string
	Min   *int
	Max   *int
	Value interface{}
	regex *regexp.Regexp
}

type RuleSet struct {
	Path    Path
	Combine string
	Rules   []Rule
}

type Rules []RuleSet

// ParseRules normalises v2 ("$.body.id": {...}) and v3
// ("body": {"$.id": {"matchers": [...]}}) matching rules into rule sets keyed
// by their full path. Header names are lower cased and unknown v3 categories
// are ignored.
func ParseRules(raw map[string]interface{}) (Rules, error) {
	var rules Rules
	for _, k := range sortedKeys(raw) {
		v := raw[k]
		if strings.HasPrefix(k, "$") {
			path, err := ParsePath(k)
			if err != nil {
				return nil, err
			}
			set, err := parseRuleSet(v)
			if err != nil {
				return nil, errors.Wrapf(err, "rule for %s", k)
			}
			set.Path = normalise(path)
			rules = append(rules, set)
			continue
		}

		// Categories such as v4 "metadata" never apply to an HTTP response.
		root, ok := categories[k]
		if !ok {
			continue
		}
		entries, ok := v.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("matching rules for %q are not an object", k)
		}
		for _, sk := range sortedKeys(entries) {
			path := Path{{key: root}}
			if strings.HasPrefix(sk, "$") {
				sub, err := ParsePath(sk)
				if err != nil {
					return nil, err
				}
				path = append(path, sub...)
			} else if sk != "" {
				path = path.key(sk)
			}

			set, err := parseRuleSet(entries[sk])
			if err != nil {
				return nil, errors.Wrapf(err, "rule for %s %s", k, sk)
			}
			set.Path = normalise(path)
			rules = append(rules, set)
		}
	}
	return rules, nil
}

func normalise(path Path) Path {
	if len(path) >= 2 && path[0].key == "headers" && !path[0].isIndex && !path[1].isIndex && !path[1].wildcard {
		path[1].key = strings.ToLower(path[1].key)
	}
	return path
}

func parseRuleSet(v interface{}) (RuleSet, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return RuleSet{}, errors.New("rule is not an object")
	}

	matchers, ok := obj["matchers"]
	if !ok {
		rule, err := parseRule(obj)
		if err != nil {
			return RuleSet{}, err
		}
		return RuleSet{Combine: combineAnd, Rules: []Rule{rule}}, nil
	}

	list, ok := matchers.([]interface{})
	if !ok || len(list) == 0 {
		return RuleSet{}, errors.New("matchers must be a non empty list")
	}

	set := RuleSet{Combine: combineAnd}
	if combine, ok := obj["combine"].(string); ok {
		set.Combine = strings.ToUpper(combine)
	}
	if set.Combine != combineAnd && set.Combine != combineOr {
		return RuleSet{}, errors.Errorf("invalid combine %q", set.Combine)
	}

	for _, m := range list {
		o, ok := m.(map[string]interface{})
		if !ok {
			return RuleSet{}, errors.New("matcher is not an object")
		}
		rule, err := parseRule(o)
		if err != nil {
			return RuleSet{}, err
		}
		set.Rules = append(set.Rules, rule)
	}
	return set, nil
}

func parseRule(obj map[string]interface{}) (Rule, error) {
	var rule Rule
	if m, ok := obj["match"]; ok {
		s, ok := m.(string)
		if !ok {
			return rule, errors.New("match is not a string")
		}
		rule.Match = s
	}

	if r, ok := obj["regex"]; ok {
		s, ok := r.(string)
		if !ok {
			return rule, errors.New("regex is not a string")
		}
		rule.Regex = s
		if rule.Match == "" {
			rule.Match = "regex"
		}
	}

	var err error
	if rule.Min, err = optionalInt(obj, "min"); err != nil {
		return rule, err
	}
	if rule.Max, err = optionalInt(obj, "max"); err != nil {
		return rule, err
	}
	if rule.Match == "" && (rule.Min != nil || rule.Max != nil) {
		rule.Match = "type"
	}
	if rule.Match == "min" || rule.Match == "max" {
		rule.Match = "type"
	}
	if rule.Match == "" {
		return rule, errors.New("rule has no match type")
	}
	rule.Value = obj["value"]

	if rule.Match == "regex" {
		rule.regex, err = regexp.Compile("^(?:" + rule.Regex + ")$")
		if err != nil {
			return rule, errors.Wrapf(err, "invalid regex %q", rule.Regex)
		}
	}
	return rule, nil
}

func optionalInt(obj map[string]interface{}, key string) (*int, error) {
	v, ok := obj[key]
	if !ok {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok || f < 0 || f != math.Trunc(f) {
		return nil, errors.Errorf("%s must be a non negative integer", key)
	}
	n := int(f)
	return &n, nil
}

func (r Rules) under(root Path) Rules {
	var result Rules
	for _, set := range r {
		if set.Path.hasPrefix(root) {
			result = append(result, set)
		}
	}
	return result
}

// find returns the most specific rule set for path.
func (r Rules) find(path Path) *RuleSet {
	var best *RuleSet
	for i := range r {
		set := &r[i]
		if !set.Path.matches(path) {
			continue
		}
		if best == nil || set.Path.wildcards() < best.Path.wildcards() {
			best = set
		}
	}
	return best
}

// structural sets only relax how a subtree is walked.
func (s RuleSet) structural() bool {
	for _, rule := range s.Rules {
		if rule.Match != "type" && rule.Match != "equality" {
			return false
		}
	}
	return true
}

func (s RuleSet) typeMatch() bool {
	for _, rule := range s.Rules {
		if rule.Match == "type" {
			return true
		}
	}
	return false
}

func (s RuleSet) bounds() (min, max *int) {
	for _, rule := range s.Rules {
		if rule.Min != nil {
			min = rule.Min
		}
		if rule.Max != nil {
			max = rule.Max
		}
	}
	return min, max
}

func (s RuleSet) check(expected, actual interface{}) string {
	var failures []string
	for _, rule := range s.Rules {
		msg := rule.check(expected, actual)
		if msg == "" {
			if s.Combine == combineOr {
				return ""
			}
			continue
		}
		if s.Combine != combineOr {
			return msg
		}
		failures = append(failures, msg)
	}
	return strings.Join(failures, " or ")
}

func (r Rule) check(expected, actual interface{}) string {
	switch r.Match {
	case "type":
		if !sameType(expected, actual) {
			return fmt.Sprintf("expected a value of type %s but got %s", describe(expected), describe(actual))
		}
		if a, ok := actual.([]interface{}); ok {
			return checkLength(r.Min, r.Max, len(a))
		}
		return ""
	case "equality":
		if !reflect.DeepEqual(expected, actual) {
			return fmt.Sprintf("expected %s but got %s", format(expected), format(actual))
		}
		return ""
	case "regex":
		s, ok := scalarString(actual)
		if !ok || !r.regex.MatchString(s) {
			return fmt.Sprintf("expected a value matching %q but got %s", r.Regex, format(actual))
		}
		return ""
	case "include":
		s, ok := actual.(string)
		want := fmt.Sprint(r.Value)
		if !ok || !strings.Contains(s, want) {
			return fmt.Sprintf("expected a string including %q but got %s", want, format(actual))
		}
		return ""
	case "integer":
		f, ok := actual.(float64)
		if !ok || f != math.Trunc(f) {
			return fmt.Sprintf("expected an integer but got %s", format(actual))
		}
		return ""
	case "decimal":
		f, ok := actual.(float64)
		if !ok || f == math.Trunc(f) {
			return fmt.Sprintf("expected a decimal but got %s", format(actual))
		}
		return ""
	case "number":
		if _, ok := actual.(float64); !ok {
			return fmt.Sprintf("expected a number but got %s", format(actual))
		}
		return ""
	case "boolean":
		if _, ok := actual.(bool); !ok {
			return fmt.Sprintf("expected a boolean but got %s", format(actual))
		}
		return ""
	case "null":
		if actual != nil {
			return fmt.Sprintf("expected null but got %s", format(actual))
		}
		return ""
	}
	return fmt.Sprintf("unsupported matcher %q", r.Match)
}

func checkLength(min, max *int, n int) string {
	if min != nil && n < *min {
		return fmt.Sprintf("expected an array with at least %d elements but got %d", *min, n)
	}
	if max != nil && n > *max {
		return fmt.Sprintf("expected an array with at most %d elements but got %d", *max, n)
	}
	return ""
}

func sameType(expected, actual interface{}) bool {
	return describe(expected) == describe(actual)
}

func describe(v interface{}) string {
	switch v.(type) {
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case float64, json.Number:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func format(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func scalarString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64, bool, json.Number:
		return fmt.Sprint(val), true
	}
	return "", false
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
