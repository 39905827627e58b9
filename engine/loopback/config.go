package loopback

import (
	"time"

	"github.com/xaionaro-go/asyncdecoder/engine/software"
)

// Config may also be passed through asyncdecoder.Config.CustomOptions.
type Config struct {
	software.BuffersConfig

	// DecodeLatency is an artificial delay applied to every input buffer.
	DecodeLatency time.Duration

	// Validate is called for every queued sample; a failure is reported
	// asynchronously as an engine error and the sample produces no output.
	Validate func(payload []byte, pts time.Duration) error
}
