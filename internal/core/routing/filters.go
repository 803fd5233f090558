package routing

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// FilterEngine applies binding filter chains. Compiled regex patterns are
// cached across calls.
type FilterEngine struct {
	regexes *xsync.Map[string, *regexp.Regexp]
}

func NewFilterEngine() *FilterEngine {
	return &FilterEngine{regexes: xsync.NewMap[string, *regexp.Regexp]()}
}

// Apply runs the chain in declared order. A matching block filter
// short-circuits the whole chain and drops the message; a matching
// transform filter rewrites the content and continues. The second return
// value reports whether the message was blocked.
func (e *FilterEngine) Apply(content string, filters []Filter) (string, bool) {
	for _, f := range filters {
		matched, transformed := e.applyOne(content, f)
		if !matched {
			continue
		}
		if f.Action == ActionBlock {
			return "", true
		}
		content = transformed
	}
	return content, false
}

func (e *FilterEngine) applyOne(content string, f Filter) (matched bool, transformed string) {
	switch f.Type {
	case FilterKeyword:
		if !strings.Contains(strings.ToLower(content), strings.ToLower(f.Pattern)) {
			return false, content
		}
		if f.Action == ActionTransform {
			content = replaceFold(content, f.Pattern, f.Replacement)
		}
		return true, content

	case FilterRegex:
		re := e.compile(f.Pattern)
		if re == nil || !re.MatchString(content) {
			return false, content
		}
		if f.Action == ActionTransform {
			content = re.ReplaceAllString(content, f.Replacement)
		}
		return true, content

	case FilterLength:
		max, err := strconv.Atoi(f.Pattern)
		if err != nil || max < 0 || len(content) <= max {
			return false, content
		}
		if f.Action == ActionTransform {
			content = content[:max]
		}
		return true, content

	default:
		return false, content
	}
}

func (e *FilterEngine) compile(pattern string) *regexp.Regexp {
	re, _ := e.regexes.LoadOrCompute(pattern, func() (*regexp.Regexp, bool) {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			// invalid patterns never match
			return nil, false
		}
		return compiled, false
	})
	return re
}

// replaceFold replaces every case-insensitive occurrence of pattern.
func replaceFold(content, pattern, replacement string) string {
	if pattern == "" {
		return content
	}
	lower := strings.ToLower(content)
	needle := strings.ToLower(pattern)

	var b strings.Builder
	for {
		i := strings.Index(lower, needle)
		if i < 0 {
			b.WriteString(content)
			return b.String()
		}
		b.WriteString(content[:i])
		b.WriteString(replacement)
		content = content[i+len(pattern):]
		lower = lower[i+len(needle):]
	}
}
