//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/asyncdecoder/engine/software"
)

func newDecoder(context.Context, Config) (software.Decoder, error) {
	return nil, fmt.Errorf("not compiled with libav support")
}
