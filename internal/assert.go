package internal

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Assert panics if an invariant does not hold.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) {
	if mustBeTrue {
		return
	}

	msg := "assertion failed"
	if len(extraArgs) > 0 {
		msg += ": " + fmt.Sprint(extraArgs...)
	}
	logger.Panic(ctx, msg)

	// not every logger implementation panics on Panic
	panic(msg)
}
