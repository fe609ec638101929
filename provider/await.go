package provider

import (
	"context"
	"errors"
	"fmt"
)

// PinTypePublicKeySHA256 is the pin type requested from platform SDKs.
const PinTypePublicKeySHA256 = "public-key-sha256"

// Await starts a callback-style fetch and waits for its completion or for
// ctx to end. A deadline is reported as ErrFetchTimeout. The callback may
// be invoked after Await returns; late and repeated invocations are
// dropped.
func Await(ctx context.Context, start func(done func(*Result))) (*Result, error) {
	ch := make(chan *Result, 1)
	start(func(r *Result) {
		select {
		case ch <- r:
		default:
		}
	})

	select {
	case r := <-ch:
		if r == nil {
			return &Result{Status: StatusInternalError}, nil
		}
		return r, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrFetchTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}
