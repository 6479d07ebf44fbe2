package strategy

import (
	"fmt"
	"sort"
)

type builder func(params map[string]any) (Strategy, error)

var builders = map[string]builder{
	"mean_reversion": func(p map[string]any) (Strategy, error) { return NewMeanReversion(p) },
	"momentum":       func(p map[string]any) (Strategy, error) { return NewMomentum(p) },
	"grid":           func(p map[string]any) (Strategy, error) { return NewGrid(p) },
}

// NewStrategy builds a strategy by type name with the supplied parameter
// overrides.
func NewStrategy(typ string, params map[string]any) (Strategy, error) {
	build, ok := builders[typ]
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", typ)
	}
	return build(params)
}

// Types lists the registered strategy type names.
func Types() []string {
	out := make([]string, 0, len(builders))
	for typ := range builders {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
