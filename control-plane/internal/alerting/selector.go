package alerting

import (
	"github.com/prometheus/alertmanager/pkg/labels"
)

// Selector is a parsed label selector such as {env="prod",service=~"api.*"}.
// All matchers must match; an empty selector matches everything.
type Selector []*labels.Matcher

// ParseSelector parses label matcher syntax. Braces are optional.
func ParseSelector(s string) (Selector, error) {
	matchers, err := labels.ParseMatchers(s)
	if err != nil {
		return nil, err
	}
	return Selector(matchers), nil
}

// Matches reports whether every matcher accepts the label set. Missing
// labels are matched as empty strings.
func (s Selector) Matches(set map[string]string) bool {
	for _, m := range s {
		if !m.Matches(set[m.Name]) {
			return false
		}
	}
	return true
}

func (s Selector) String() string {
	out := "{"
	for i, m := range s {
		if i > 0 {
			out += ","
		}
		out += m.String()
	}
	return out + "}"
}
