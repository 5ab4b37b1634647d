package sandbox

import (
	"fmt"
	"math/rand/v2"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// randomModule exposes the subset of Python's random module that cube
// programs use.
func randomModule(rng *rand.Rand) *starlarkstruct.Module {
	fn := func(name string, impl func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return impl(args, kwargs)
		})
	}

	return &starlarkstruct.Module{
		Name: "random",
		Members: starlark.StringDict{
			"random": fn("random", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := starlark.UnpackPositionalArgs("random", args, kwargs, 0); err != nil {
					return nil, err
				}
				return starlark.Float(rng.Float64()), nil
			}),
			"randint": fn("randint", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var a, b int
				if err := starlark.UnpackPositionalArgs("randint", args, kwargs, 2, &a, &b); err != nil {
					return nil, err
				}
				if b < a {
					return nil, fmt.Errorf("randint: empty range [%d, %d]", a, b)
				}
				return starlark.MakeInt(a + rng.IntN(b-a+1)), nil
			}),
			"randrange": fn("randrange", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var start, stop int
				stop = -1
				if err := starlark.UnpackPositionalArgs("randrange", args, kwargs, 1, &start, &stop); err != nil {
					return nil, err
				}
				if len(args) == 1 {
					start, stop = 0, start
				}
				if stop <= start {
					return nil, fmt.Errorf("randrange: empty range [%d, %d)", start, stop)
				}
				return starlark.MakeInt(start + rng.IntN(stop-start)), nil
			}),
			"uniform": fn("uniform", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var a, b float64
				if err := starlark.UnpackPositionalArgs("uniform", args, kwargs, 2, &a, &b); err != nil {
					return nil, err
				}
				return starlark.Float(a + (b-a)*rng.Float64()), nil
			}),
			"choice": fn("choice", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var seq starlark.Indexable
				if err := starlark.UnpackPositionalArgs("choice", args, kwargs, 1, &seq); err != nil {
					return nil, err
				}
				if seq.Len() == 0 {
					return nil, fmt.Errorf("choice: empty sequence")
				}
				return seq.Index(rng.IntN(seq.Len())), nil
			}),
			"shuffle": fn("shuffle", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var list *starlark.List
				if err := starlark.UnpackPositionalArgs("shuffle", args, kwargs, 1, &list); err != nil {
					return nil, err
				}
				var err error
				rng.Shuffle(list.Len(), func(i, j int) {
					if err != nil {
						return
					}
					vi, vj := list.Index(i), list.Index(j)
					if err = list.SetIndex(i, vj); err == nil {
						err = list.SetIndex(j, vi)
					}
				})
				if err != nil {
					return nil, err
				}
				return starlark.None, nil
			}),
		},
	}
}
