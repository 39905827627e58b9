package asyncdecoder

type InputStatistics struct {
	BuffersQueued uint64
	Bytes         uint64
}

type OutputStatistics struct {
	BuffersReleased uint64
	FormatChanges   uint64
}

type FramesStatistics struct {
	Rendered       uint64
	Delivered      uint64
	Dropped        uint64
	Rejected       uint64
	ConsumerErrors uint64
}

type Stats struct {
	Input              InputStatistics
	Output             OutputStatistics
	Frames             FramesStatistics
	TasksExecuted      uint64
	TaskFailures       uint64
	EngineErrors       uint64
	ProtocolViolations uint64
}
