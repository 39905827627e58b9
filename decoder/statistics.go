package decoder

import (
	"sync/atomic"

	"github.com/xaionaro-go/asyncdecoder"
)

type CommonsSessionInputStatistics struct {
	BuffersQueued atomic.Uint64
	Bytes         atomic.Uint64
}

type CommonsSessionOutputStatistics struct {
	BuffersReleased atomic.Uint64
	FormatChanges   atomic.Uint64
}

type CommonsSessionStatistics struct {
	Input              CommonsSessionInputStatistics
	Output             CommonsSessionOutputStatistics
	TasksExecuted      atomic.Uint64
	TaskFailures       atomic.Uint64
	EngineErrors       atomic.Uint64
	ProtocolViolations atomic.Uint64
}

func (stats *CommonsSessionStatistics) Convert() asyncdecoder.Stats {
	return asyncdecoder.Stats{
		Input: asyncdecoder.InputStatistics{
			BuffersQueued: stats.Input.BuffersQueued.Load(),
			Bytes:         stats.Input.Bytes.Load(),
		},
		Output: asyncdecoder.OutputStatistics{
			BuffersReleased: stats.Output.BuffersReleased.Load(),
			FormatChanges:   stats.Output.FormatChanges.Load(),
		},
		TasksExecuted:      stats.TasksExecuted.Load(),
		TaskFailures:       stats.TaskFailures.Load(),
		EngineErrors:       stats.EngineErrors.Load(),
		ProtocolViolations: stats.ProtocolViolations.Load(),
	}
}

func (stats *CommonsSessionStatistics) GetStats() *asyncdecoder.Stats {
	return ptr(stats.Convert())
}

func ptr[T any](in T) *T {
	return &in
}
