package ccidserial

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverridesOnlyPresentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driver.ini")
	contents := "[driver]\nmax_slot_count = 2\nbulk_timeout_ms = 500\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxSlotCount)
	assert.Equal(t, 500*time.Millisecond, cfg.BulkTimeout)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, DefaultConfig().MaxPayloadLength, cfg.MaxPayloadLength)
	assert.Equal(t, DefaultConfig().ControlTimeout, cfg.ControlTimeout)
	assert.Equal(t, DefaultConfig().TimeExtensionLimit, cfg.TimeExtensionLimit)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsMalformedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driver.ini")
	contents := "[driver]\nmax_payload_length = not-a-number\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
