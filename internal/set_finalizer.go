package internal

import (
	"context"
	"runtime"

	"github.com/facebookincubator/go-belt/tool/logger"
)

type closedChecker interface {
	IsClosed() bool
}

// SetFinalizerCheckClosed complains if obj gets garbage collected without being closed.
func SetFinalizerCheckClosed[T closedChecker](
	ctx context.Context,
	obj T,
) {
	runtime.SetFinalizer(obj, func(obj T) {
		if obj.IsClosed() {
			return
		}
		logger.Errorf(ctx, "%T was garbage collected without being closed", obj)
	})
}
