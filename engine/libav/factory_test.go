//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/asyncdecoder"
)

func TestFactoryWithoutLibav(t *testing.T) {
	_, err := (&Factory{}).NewEngine(context.Background(), asyncdecoder.Config{})
	require.ErrorContains(t, err, "not compiled with libav support")
}
