package transpile

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSON turns a ".json" source into a CommonJS module body so it can be
// required like any other Module. It validates the input is well-formed
// JSON but otherwise passes the bytes through unchanged (re-serializing
// would lose key order and drop comments-as-errors fidelity that callers
// may want to see surfaced verbatim).
type JSON struct{}

// NewJSON constructs the JSON Transpiler.
func NewJSON() JSON {
	return JSON{}
}

func (JSON) Transpile(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	var v interface{}
	if err := json.Unmarshal(in.Source, &v); err != nil {
		return Output{}, wrapBackendError("json", fmt.Errorf("%s: %w", in.Path, err))
	}

	code := append([]byte("module.exports = "), in.Source...)
	code = append(code, ';', '\n')
	return Output{Code: code}, nil
}
