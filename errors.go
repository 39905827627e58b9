package asyncdecoder

import (
	"errors"
)

var (
	ErrTryAgainLater       = errors.New("try again later")
	ErrOutputFormatChanged = errors.New("output format changed")
	ErrMaxImagesAcquired   = errors.New("the image consumer fell behind: all images are in use")
	ErrNotStarted          = errors.New("not started")
	ErrAlreadyStarted      = errors.New("already started")
	ErrClosed              = errors.New("closed")
	ErrAborted             = errors.New("aborted")
	ErrNotDone             = errors.New("the session has not reached end of stream")
)
