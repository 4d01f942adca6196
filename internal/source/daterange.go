package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.yaml.in/yaml/v3"

	"fetchd/internal/tmpl"
)

type dateRangeSpec struct {
	StartDay   int               `yaml:"start_day"`
	EndDay     int               `yaml:"end_day"`
	Overridden map[string]string `yaml:"overridden_properties"`
	Using      yaml.Node         `yaml:"using"`
}

// DateRange wraps another source and invokes it once per day of a relative
// date window, rewriting templated properties (URLs, directories) with that
// day's date fields before each invocation.
type DateRange struct {
	spec dateRangeSpec

	// now is replaced in tests to pin the window.
	now func() time.Time
}

func newDateRange(node *yaml.Node) (Source, error) {
	var s dateRangeSpec
	if err := node.Decode(&s); err != nil {
		return nil, err
	}
	if s.StartDay > s.EndDay {
		return nil, fmt.Errorf("start_day %d after end_day %d", s.StartDay, s.EndDay)
	}
	if s.Using.Kind == 0 {
		return nil, fmt.Errorf("no 'using' source given")
	}
	if len(s.Overridden) == 0 {
		return nil, fmt.Errorf("no overridden_properties given")
	}
	dr := &DateRange{spec: s, now: time.Now}

	// Probe-build one child so template and nested-source mistakes surface
	// at configuration load, not on the first scheduled run.
	if _, err := dr.buildChild(time.Now().UTC()); err != nil {
		return nil, err
	}
	return dr, nil
}

// Fetch runs the wrapped source once per day, oldest first. Today's window
// positions come from the current UTC date; start_day/end_day are day offsets
// (usually zero or negative, to re-check recent days for late arrivals).
func (r *DateRange) Fetch(ctx context.Context, d *Delivery) error {
	today := r.now().UTC().Truncate(24 * time.Hour)
	for off := r.spec.StartDay; off <= r.spec.EndDay; off++ {
		day := today.AddDate(0, 0, off)
		child, err := r.buildChild(day)
		if err != nil {
			return fetchErrf(err, "build source for %s", day.Format("2006-01-02"))
		}
		dayDelivery := &Delivery{
			Transform: d.Transform,
			Base:      d.Base.Clone().WithDate(day),
			Reporter:  d.Reporter,
			Log:       d.Log.With().Str("date", day.Format("2006-01-02")).Logger(),
		}
		if err := child.Fetch(ctx, dayDelivery); err != nil {
			return err
		}
	}
	return nil
}

// buildChild instantiates the wrapped source for one day: the overridden
// properties are expanded with that day's date fields and spliced over the
// 'using' template before construction.
func (r *DateRange) buildChild(day time.Time) (Source, error) {
	dateCtx := tmpl.NewContext().WithDate(day)
	node := cloneNode(&r.spec.Using)
	for _, key := range sortedKeys(r.spec.Overridden) {
		value, err := tmpl.Expand(r.spec.Overridden[key], dateCtx)
		if err != nil {
			return nil, fmt.Errorf("overridden property %q: %w", key, err)
		}
		if err := setMappingValue(node, key, value); err != nil {
			return nil, err
		}
	}
	return New(node)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cloneNode deep-copies a YAML node so per-day overrides never leak into the
// shared template.
func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Alias != nil {
		out.Alias = cloneNode(n.Alias)
	}
	if len(n.Content) > 0 {
		out.Content = make([]*yaml.Node, len(n.Content))
		for i, c := range n.Content {
			out.Content[i] = cloneNode(c)
		}
	}
	return &out
}

// setMappingValue replaces the value of key in a mapping node, appending the
// pair when the template omits the key.
func setMappingValue(node *yaml.Node, key, value string) error {
	node = resolveAlias(node)
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("'using' source is not a mapping")
	}
	scalar := func(v string) *yaml.Node {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			node.Content[i+1] = scalar(value)
			return nil
		}
	}
	node.Content = append(node.Content, scalar(key), scalar(value))
	return nil
}
