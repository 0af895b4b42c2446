package app

import (
	"fmt"
	"sort"
	"strings"
)

// Component names one of the long-running subsystems.
type Component string

const (
	ComponentIngestion Component = "ingestion"
	ComponentPolling   Component = "polling"
	ComponentQuery     Component = "query"
)

// Components is the startup selection.
type Components map[Component]bool

// ParseComponents turns a comma-separated selection into a component
// set. "all" (and an empty selection) enables everything.
func ParseComponents(spec string) (Components, error) {
	out := Components{}
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "all" {
		out[ComponentIngestion] = true
		out[ComponentPolling] = true
		out[ComponentQuery] = true
		return out, nil
	}

	for _, part := range strings.Split(spec, ",") {
		name := Component(strings.TrimSpace(part))
		switch name {
		case ComponentIngestion, ComponentPolling, ComponentQuery:
			out[name] = true
		case "":
			continue
		default:
			return nil, fmt.Errorf("unknown component %q (want ingestion, polling, query or all)", part)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no components selected")
	}
	return out, nil
}

func (c Components) Has(name Component) bool { return c[name] }

func (c Components) String() string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
