package decoder

import (
	"fmt"

	"github.com/xaionaro-go/asyncdecoder"
)

type eventKind int

const (
	eventKindUndefined = eventKind(iota)
	eventKindInputAvailable
	eventKindOutputAvailable
	eventKindFormatChanged
	eventKindError
)

func (k eventKind) String() string {
	switch k {
	case eventKindUndefined:
		return "<undefined>"
	case eventKindInputAvailable:
		return "input_available"
	case eventKindOutputAvailable:
		return "output_available"
	case eventKindFormatChanged:
		return "format_changed"
	case eventKindError:
		return "error"
	}
	return fmt.Sprintf("unexpected_event_kind_%d", int(k))
}

// event is a task: an engine notification captured by value, to be executed
// on the session worker.
type event struct {
	Kind   eventKind
	Index  asyncdecoder.BufferIndex
	Info   asyncdecoder.BufferInfo
	Format asyncdecoder.Format
	Error  asyncdecoder.EngineError

	// AfterInputEOS is set if the terminal input buffer was already queued
	// when the engine fired the event.
	AfterInputEOS bool
}

func (ev event) String() string {
	switch ev.Kind {
	case eventKindInputAvailable:
		return fmt.Sprintf("%s(index:%d)", ev.Kind, ev.Index)
	case eventKindOutputAvailable:
		return fmt.Sprintf("%s(index:%d, pts:%v, size:%d, flags:%s)", ev.Kind, ev.Index, ev.Info.PTS, ev.Info.Size, ev.Info.Flags)
	case eventKindFormatChanged:
		return fmt.Sprintf("%s(%s)", ev.Kind, ev.Format)
	case eventKindError:
		return fmt.Sprintf("%s(%v)", ev.Kind, ev.Error)
	}
	return ev.Kind.String()
}
