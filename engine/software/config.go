package software

const (
	DefaultInputBuffers    = 4
	DefaultOutputBuffers   = 4
	DefaultInputBufferSize = 1 << 20
)

type BuffersConfig struct {
	InputBuffers    int `json:"input_buffers,omitempty"     yaml:"input_buffers,omitempty"`
	OutputBuffers   int `json:"output_buffers,omitempty"    yaml:"output_buffers,omitempty"`
	InputBufferSize int `json:"input_buffer_size,omitempty" yaml:"input_buffer_size,omitempty"`
}

func (cfg BuffersConfig) withDefaults() BuffersConfig {
	if cfg.InputBuffers <= 0 {
		cfg.InputBuffers = DefaultInputBuffers
	}
	if cfg.OutputBuffers <= 0 {
		cfg.OutputBuffers = DefaultOutputBuffers
	}
	return cfg
}
