package selector

import (
	"context"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// Path creates a selector addressing the state tree with a JSONPath
// expression, for consumers that refer to slices by path instead of
// writing compute functions, e.g. Path("$.todos[0].text"). The
// expression is validated eagerly; evaluation errors at select time
// (typically a path that does not exist yet) yield nil.
func Path(expr string, opts ...Option) (*Selector[any], error) {
	eval, err := jsonpath.New(expr)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", expr, err)
	}
	return New(func(tree map[string]any) any {
		v, err := eval(context.Background(), tree)
		if err != nil {
			return nil
		}
		return v
	}, opts...), nil
}
