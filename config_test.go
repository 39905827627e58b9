package asyncdecoder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"
)

func TestConfigMarshalUnmarshal(t *testing.T) {
	cfg := &Config{
		ConcurrencyModel:   ConcurrencyModelPolling,
		ImagePolicy:        ImagePolicyAcquireLatest,
		MaxImages:          3,
		AbortOnEngineError: true,
		Codec:              VideoCodecHEVC,
		CustomOptions:      CustomOptions{"low_latency"},
	}

	b, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	defer func() {
		r := recover()
		if r != nil {
			require.Nil(t, r, string(b))
		}
	}()

	var cfgDup Config
	err = yaml.Unmarshal(b, &cfgDup)
	require.NoError(t, err, string(b))

	require.Equal(t, cfg, &cfgDup)

	b, err = json.Marshal(cfg)
	require.NoError(t, err)
	require.Contains(t, string(b), `"concurrency_model":"polling"`)
	require.Contains(t, string(b), `"image_policy":"acquire_latest"`)
	require.Contains(t, string(b), `"codec":"hevc"`)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
concurrency_model: callback
poll_timeout: 2ms
image_policy: acquire_all
codec: h264
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ConcurrencyModelCallback, cfg.ConcurrencyModel)
	require.Equal(t, ImagePolicyAcquireAll, cfg.ImagePolicy)
	require.Equal(t, VideoCodecH264, cfg.Codec)
	require.Equal(t, "2ms", cfg.PollTimeout.String())

	require.NoError(t, os.WriteFile(path, []byte("image_policy: whatever\n"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	require.Equal(t, ConcurrencyModelCallback, cfg.ConcurrencyModel)
	require.Equal(t, ImagePolicyAcquireAll, cfg.ImagePolicy)
	require.Equal(t, DefaultMaxImages, cfg.MaxImages)
	require.Equal(t, DefaultPollTimeout, cfg.PollTimeout)
	require.NoError(t, cfg.Validate())

	require.Error(t, Config{ImagePolicy: EndOfImagePolicy}.Validate())
}

func TestGetCustomOption(t *testing.T) {
	type lowLatency bool
	opts := CustomOptions{"x", lowLatency(true), ptr(3)}

	v, ok := GetCustomOption[lowLatency](opts)
	require.True(t, ok)
	require.True(t, bool(v))

	_, ok = GetCustomOption[float64](opts)
	require.False(t, ok)
}

func TestBufferFlags(t *testing.T) {
	f := BufferFlagKeyFrame | BufferFlagEndOfStream
	require.True(t, f.Has(BufferFlagEndOfStream))
	require.False(t, f.Has(BufferFlagCodecConfig))
	require.Equal(t, "key|eos", f.String())
	require.Equal(t, "0", BufferFlags(0).String())
	require.True(t, BufferInfo{Flags: f}.IsEndOfStream())
}

func TestImageRelease(t *testing.T) {
	released := 0
	img := NewImage(1, 0, 2, 2, []byte{1, 2, 3, 4}, func(*Image) { released++ })
	img.Release()
	img.Release()
	require.Equal(t, 1, released)
	require.True(t, img.IsReleased())
	require.Nil(t, img.Data)
}

func ptr[T any](in T) *T {
	return &in
}
