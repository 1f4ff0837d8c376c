package transpile

import "context"

// Passthrough returns the source unchanged, for Packets that opted out of
// transpilation (dependency Packets, by default) or for loaders with no
// transform of their own.
type Passthrough struct{}

func (Passthrough) Transpile(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	return Output{Code: in.Source}, nil
}
