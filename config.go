package ccidserial

import (
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the driver's tunables: slot and payload ceilings, the two
// exchange timeouts, and the time-extension bound. The defaults suit a
// standard reader; a host can pick, say, a larger payload ceiling for a
// reader with bigger buffers.
type Config struct {
	// MaxSlotCount is the size of the sequence-counter table. PC/SC
	// operations do not reject a slot index at or above it: such a slot
	// is sent with sequence 0xFF, and its sequence never advances.
	MaxSlotCount int
	// MaxPayloadLength bounds the payload a single frame may carry. Keep
	// it at 261 or more, enough for a full short-APDU exchange.
	MaxPayloadLength int
	// ControlTimeout bounds a control exchange's per-response wait.
	ControlTimeout time.Duration
	// BulkTimeout bounds a bulk exchange's per-response wait.
	BulkTimeout time.Duration
	// TimeExtensionLimit is the number of consecutive time-extension
	// acknowledgements the exchange engine tolerates before giving up.
	TimeExtensionLimit int
}

// DefaultConfig returns the driver's stock tunables, used when no
// configuration file is supplied.
func DefaultConfig() Config {
	return Config{
		MaxSlotCount:       6,
		MaxPayloadLength:   261,
		ControlTimeout:     200 * time.Millisecond,
		BulkTimeout:        1200 * time.Millisecond,
		TimeExtensionLimit: 120,
	}
}

// LoadConfig reads driver tunables from an ini file. Any key absent from
// the file keeps its DefaultConfig value, so a minimal file overriding a
// single setting is valid input.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, err
	}
	section := f.Section("driver")

	if key := section.Key("max_slot_count"); key.String() != "" {
		v, err := key.Int()
		if err != nil {
			return Config{}, err
		}
		cfg.MaxSlotCount = v
	}
	if key := section.Key("max_payload_length"); key.String() != "" {
		v, err := key.Int()
		if err != nil {
			return Config{}, err
		}
		cfg.MaxPayloadLength = v
	}
	if key := section.Key("control_timeout_ms"); key.String() != "" {
		v, err := key.Int()
		if err != nil {
			return Config{}, err
		}
		cfg.ControlTimeout = time.Duration(v) * time.Millisecond
	}
	if key := section.Key("bulk_timeout_ms"); key.String() != "" {
		v, err := key.Int()
		if err != nil {
			return Config{}, err
		}
		cfg.BulkTimeout = time.Duration(v) * time.Millisecond
	}
	if key := section.Key("time_extension_limit"); key.String() != "" {
		v, err := key.Int()
		if err != nil {
			return Config{}, err
		}
		cfg.TimeExtensionLimit = v
	}

	return cfg, nil
}
