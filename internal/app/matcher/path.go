package matcher

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type segment struct {
	key      string
	index    int
	isIndex  bool
	wildcard bool
}

func (s segment) matches(concrete segment) bool {
	if s.wildcard {
		return true
	}
	if s.isIndex != concrete.isIndex {
		return false
	}
	if s.isIndex {
		return s.index == concrete.index
	}
	return s.key == concrete.key
}

// Path is a parsed pact path such as $.body.items[*].id or $['x-key'].
type Path []segment

func ParsePath(s string) (Path, error) {
	if !strings.HasPrefix(s, "$") {
		return nil, errors.Errorf("path %q does not start with $", s)
	}

	path := Path{}
	rest := s[1:]
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			key := rest[:end]
			if key == "" {
				return nil, errors.Errorf("empty key in path %q", s)
			}
			if key == "*" {
				path = append(path, segment{wildcard: true})
			} else {
				path = append(path, segment{key: key})
			}
			rest = rest[end:]
		case '[':
			if len(rest) > 1 && (rest[1] == '\'' || rest[1] == '"') {
				quote := rest[1]
				closing := strings.IndexByte(rest[2:], quote)
				if closing < 0 {
					return nil, errors.Errorf("unterminated quoted key in path %q", s)
				}
				key := rest[2 : 2+closing]
				after := rest[2+closing+1:]
				if !strings.HasPrefix(after, "]") {
					return nil, errors.Errorf("expected ] after quoted key in path %q", s)
				}
				path = append(path, segment{key: key})
				rest = after[1:]
				continue
			}

			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, errors.Errorf("unterminated [ in path %q", s)
			}
			inner := rest[1:end]
			if inner == "*" {
				path = append(path, segment{wildcard: true})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return nil, errors.Errorf("invalid index %q in path %q", inner, s)
				}
				path = append(path, segment{index: n, isIndex: true})
			}
			rest = rest[end+1:]
		default:
			return nil, errors.Errorf("unexpected %q in path %q", rest[0], s)
		}
	}
	return path, nil
}

func (p Path) child(s segment) Path {
	c := make(Path, len(p), len(p)+1)
	copy(c, p)
	return append(c, s)
}

func (p Path) key(k string) Path {
	return p.child(segment{key: k})
}

func (p Path) index(i int) Path {
	return p.child(segment{index: i, isIndex: true})
}

func (p Path) hasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (p Path) matches(concrete Path) bool {
	if len(p) != len(concrete) {
		return false
	}
	for i := range p {
		if !p[i].matches(concrete[i]) {
			return false
		}
	}
	return true
}

func (p Path) wildcards() int {
	n := 0
	for _, s := range p {
		if s.wildcard {
			n++
		}
	}
	return n
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range p {
		switch {
		case s.wildcard:
			b.WriteString("[*]")
		case s.isIndex:
			b.WriteString("[" + strconv.Itoa(s.index) + "]")
		case isIdentifier(s.key):
			b.WriteString("." + s.key)
		default:
			b.WriteString("['" + s.key + "']")
		}
	}
	return b.String()
}

// jsonPath renders p in bracket notation so that keys with dashes or dots
// survive jsonpath parsing.
func (p Path) jsonPath() string {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range p {
		switch {
		case s.wildcard:
			b.WriteString("[*]")
		case s.isIndex:
			b.WriteString("[" + strconv.Itoa(s.index) + "]")
		default:
			b.WriteString("[" + strconv.Quote(s.key) + "]")
		}
	}
	return b.String()
}

func isIdentifier(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
