package query

import (
	"strings"
	"time"
	"unicode"

	"github.com/prometheus/common/model"

	"github.com/nlin88/opsbridge/pkg/config"
)

// deniedVerbs are administrative or mutating operations that must
// never reach the metrics backend, whatever endpoint they target.
var deniedVerbs = map[string]struct{}{
	"delete":           {},
	"delete_series":    {},
	"drop":             {},
	"insert":           {},
	"update":           {},
	"create":           {},
	"alter":            {},
	"truncate":         {},
	"remove":           {},
	"admin":            {},
	"write":            {},
	"snapshot":         {},
	"clean_tombstones": {},
	"reload":           {},
	"flush":            {},
}

// allowedCalls is the read-only grammar: selectors composed through
// these functions, aggregations and matching keywords. Anything else
// called as a function is rejected.
var allowedCalls = map[string]struct{}{
	// aggregations
	"sum": {}, "avg": {}, "min": {}, "max": {}, "count": {},
	"count_values": {}, "stddev": {}, "stdvar": {},
	"topk": {}, "bottomk": {}, "quantile": {},
	// instant functions
	"rate": {}, "irate": {}, "increase": {}, "delta": {}, "idelta": {},
	"deriv": {}, "predict_linear": {}, "changes": {}, "resets": {},
	"histogram_quantile": {}, "label_replace": {}, "label_join": {},
	"abs": {}, "ceil": {}, "floor": {}, "round": {}, "exp": {}, "ln": {},
	"clamp": {}, "clamp_max": {}, "clamp_min": {},
	"sort": {}, "sort_desc": {}, "absent": {}, "absent_over_time": {},
	"scalar": {}, "vector": {}, "time": {}, "timestamp": {},
	"day_of_week": {}, "hour": {},
	// range aggregations
	"avg_over_time": {}, "min_over_time": {}, "max_over_time": {},
	"sum_over_time": {}, "count_over_time": {}, "last_over_time": {},
	"quantile_over_time": {}, "stddev_over_time": {},
	// matching keywords that read as calls, e.g. "by (le)"
	"by": {}, "without": {}, "on": {}, "ignoring": {},
	"group_left": {}, "group_right": {},
}

// Policy is the safety gate in front of raw metric queries: a rejected
// query returns a typed rejection and records zero backend calls.
type Policy struct {
	MaxRange time.Duration
	MinStep  time.Duration
}

func NewPolicy(cfg config.QueryConfig) *Policy {
	return &Policy{MaxRange: cfg.MaxRangeD, MinStep: cfg.MinStepD}
}

// Check vets a raw query string. A nil return means the query may be
// forwarded to the backend.
func (p *Policy) Check(promql string) *ToolError {
	trimmed := strings.TrimSpace(promql)
	if trimmed == "" {
		return toolErrorf(KindQueryRejected, "empty query")
	}
	if !balanced(trimmed) {
		return toolErrorf(KindQueryRejected, "unbalanced brackets in query")
	}

	for _, tok := range tokens(trimmed) {
		if _, denied := deniedVerbs[strings.ToLower(tok.text)]; denied {
			return toolErrorf(KindQueryRejected, "query contains forbidden verb %q", tok.text)
		}
		if tok.call {
			if _, ok := allowedCalls[strings.ToLower(tok.text)]; !ok {
				return toolErrorf(KindQueryRejected, "function %q is not in the read-only allow list", tok.text)
			}
		}
	}

	for _, sel := range rangeSelectors(trimmed) {
		d, err := model.ParseDuration(sel)
		if err != nil {
			return toolErrorf(KindQueryRejected, "invalid range selector [%s]", sel)
		}
		if time.Duration(d) > p.MaxRange {
			return toolErrorf(KindQueryRejected, "range [%s] exceeds the %s ceiling", sel, p.MaxRange)
		}
	}
	return nil
}

// CheckStep enforces the resolution floor on an explicit step.
func (p *Policy) CheckStep(step time.Duration) *ToolError {
	if step < p.MinStep {
		return toolErrorf(KindQueryRejected, "step %s is below the %s resolution floor", step, p.MinStep)
	}
	return nil
}

type token struct {
	text string
	call bool
}

// tokens splits the query into identifier tokens and marks the ones
// used as a call, i.e. followed by an opening parenthesis.
func tokens(q string) []token {
	var out []token
	runes := []rune(q)
	for i := 0; i < len(runes); {
		if !identStart(runes[i]) {
			// Skip string literals wholesale so label values cannot
			// trip the verb scan.
			if runes[i] == '"' || runes[i] == '\'' {
				quote := runes[i]
				i++
				for i < len(runes) && runes[i] != quote {
					if runes[i] == '\\' {
						i++
					}
					i++
				}
			}
			i++
			continue
		}
		start := i
		for i < len(runes) && identPart(runes[i]) {
			i++
		}
		text := string(runes[start:i])
		j := i
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		out = append(out, token{text: text, call: j < len(runes) && runes[j] == '('})
	}
	return out
}

func identStart(r rune) bool {
	return r == '_' || r == ':' || unicode.IsLetter(r)
}

func identPart(r rune) bool {
	return identStart(r) || unicode.IsDigit(r)
}

// rangeSelectors extracts the duration text of every [..] selector.
func rangeSelectors(q string) []string {
	var out []string
	for i := 0; i < len(q); i++ {
		if q[i] != '[' {
			continue
		}
		end := strings.IndexByte(q[i:], ']')
		if end < 0 {
			break
		}
		// Subqueries look like [1h:5m]; the outer window is what the
		// ceiling applies to.
		body := q[i+1 : i+end]
		if colon := strings.IndexByte(body, ':'); colon >= 0 {
			body = body[:colon]
		}
		out = append(out, body)
		i += end
	}
	return out
}

func balanced(q string) bool {
	var depth, brackets, braces int
	for _, r := range q {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '[':
			brackets++
		case ']':
			brackets--
		case '{':
			braces++
		case '}':
			braces--
		}
		if depth < 0 || brackets < 0 || braces < 0 {
			return false
		}
	}
	return depth == 0 && brackets == 0 && braces == 0
}
