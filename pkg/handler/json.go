package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/psantana5/safeinit/pkg/guard"
)

// JSON adapts a typed function to a raw payload handler. The payload is
// decoded into In and the result encoded as JSON.
func JSON[In, Out any](fn func(ctx context.Context, in In) (Out, error)) guard.Handler {
	return guard.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		var in In
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, fmt.Errorf("failed to decode event: %w", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to encode response: %w", err)
		}
		return body, nil
	})
}
