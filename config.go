package asyncdecoder

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPollTimeout = time.Millisecond
	DefaultMaxImages   = 5
)

type Config struct {
	ConcurrencyModel   ConcurrencyModel `json:"concurrency_model,omitempty"     yaml:"concurrency_model,omitempty"`
	PollTimeout        time.Duration    `json:"poll_timeout,omitempty"          yaml:"poll_timeout,omitempty"`
	ImagePolicy        ImagePolicy      `json:"image_policy,omitempty"          yaml:"image_policy,omitempty"`
	MaxImages          int              `json:"max_images,omitempty"            yaml:"max_images,omitempty"`
	AbortOnEngineError bool             `json:"abort_on_engine_error,omitempty" yaml:"abort_on_engine_error,omitempty"`
	Codec              VideoCodec       `json:"codec,omitempty"                 yaml:"codec,omitempty"`
	CustomOptions      CustomOptions    `json:"custom_options,omitempty"        yaml:"custom_options,omitempty"`
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.ConcurrencyModel == ConcurrencyModelUndefined {
		cfg.ConcurrencyModel = ConcurrencyModelCallback
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ImagePolicy == ImagePolicyUndefined {
		cfg.ImagePolicy = ImagePolicyAcquireAll
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = DefaultMaxImages
	}
	return cfg
}

func (cfg Config) Validate() error {
	if cfg.ConcurrencyModel >= EndOfConcurrencyModel {
		return fmt.Errorf("unknown concurrency model: %d", uint(cfg.ConcurrencyModel))
	}
	if cfg.ImagePolicy >= EndOfImagePolicy {
		return fmt.Errorf("unknown image policy: %d", uint(cfg.ImagePolicy))
	}
	if cfg.Codec >= EndOfVideoCodec {
		return fmt.Errorf("unknown codec: %d", uint(cfg.Codec))
	}
	if cfg.PollTimeout < 0 {
		return fmt.Errorf("negative poll timeout: %v", cfg.PollTimeout)
	}
	if cfg.MaxImages < 0 {
		return fmt.Errorf("negative max images: %d", cfg.MaxImages)
	}
	return nil
}

func LoadConfig(path string) (_ret Config, _err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read '%s': %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("unable to parse '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config in '%s': %w", path, err)
	}
	return cfg, nil
}

type ConcurrencyModel uint

const (
	ConcurrencyModelUndefined = ConcurrencyModel(iota)
	ConcurrencyModelCallback
	ConcurrencyModelPolling
	EndOfConcurrencyModel
)

func (m ConcurrencyModel) String() string {
	switch m {
	case ConcurrencyModelUndefined:
		return "<undefined>"
	case ConcurrencyModelCallback:
		return "callback"
	case ConcurrencyModelPolling:
		return "polling"
	}
	return fmt.Sprintf("unexpected_concurrency_model_%d", uint(m))
}

func (m ConcurrencyModel) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ConcurrencyModel) UnmarshalText(b []byte) error {
	if m == nil {
		return fmt.Errorf("ConcurrencyModel is nil")
	}
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for cmp := ConcurrencyModelUndefined; cmp < EndOfConcurrencyModel; cmp++ {
		if cmp.String() == s {
			*m = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the ConcurrencyModel: '%s'", s)
}

type ImagePolicy uint

const (
	ImagePolicyUndefined = ImagePolicy(iota)
	ImagePolicyAcquireAll
	ImagePolicyAcquireLatest
	EndOfImagePolicy
)

func (p ImagePolicy) String() string {
	switch p {
	case ImagePolicyUndefined:
		return "<undefined>"
	case ImagePolicyAcquireAll:
		return "acquire_all"
	case ImagePolicyAcquireLatest:
		return "acquire_latest"
	}
	return fmt.Sprintf("unexpected_image_policy_%d", uint(p))
}

func (p ImagePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ImagePolicy) UnmarshalText(b []byte) error {
	if p == nil {
		return fmt.Errorf("ImagePolicy is nil")
	}
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for cmp := ImagePolicyUndefined; cmp < EndOfImagePolicy; cmp++ {
		if cmp.String() == s {
			*p = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the ImagePolicy: '%s'", s)
}

type VideoCodec uint

const (
	VideoCodecUndefined = VideoCodec(iota)
	VideoCodecH264
	VideoCodecHEVC
	VideoCodecVP9
	VideoCodecAV1
	EndOfVideoCodec
)

func (vc VideoCodec) String() string {
	switch vc {
	case VideoCodecUndefined:
		return "<undefined>"
	case VideoCodecH264:
		return "h264"
	case VideoCodecHEVC:
		return "hevc"
	case VideoCodecVP9:
		return "vp9"
	case VideoCodecAV1:
		return "av1"
	}
	return fmt.Sprintf("unexpected_video_codec_id_%d", uint(vc))
}

// MIMEType returns the MIME type a platform decode engine is usually looked up by.
func (vc VideoCodec) MIMEType() string {
	switch vc {
	case VideoCodecH264:
		return "video/avc"
	case VideoCodecHEVC:
		return "video/hevc"
	case VideoCodecVP9:
		return "video/x-vnd.on2.vp9"
	case VideoCodecAV1:
		return "video/av01"
	}
	return ""
}

func (vc VideoCodec) MarshalText() ([]byte, error) {
	return []byte(vc.String()), nil
}

func (vc *VideoCodec) UnmarshalText(b []byte) error {
	if vc == nil {
		return fmt.Errorf("VideoCodec is nil")
	}
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for cmp := VideoCodecUndefined; cmp < EndOfVideoCodec; cmp++ {
		if cmp.String() == s {
			*vc = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the VideoCodec: '%s'", s)
}
