package anyspeech

import (
	"errors"
	"strings"
	"testing"
)

func TestReadConfig(t *testing.T) {
	c, err := ReadConfig(strings.NewReader(`{"batch_size": 16, "batch_sort_key": "shuffle", "ngpu": 2}`))
	if err != nil {
		t.Fatal(err)
	}
	if c.BatchSize != 16 || c.BatchSortKey != "shuffle" || c.NGPU != 2 {
		t.Errorf("unexpected config: %+v", c)
	}
	if c.MaxLenIn != DefaultConfig().MaxLenIn {
		t.Error("defaults were not kept")
	}
}

func TestReadConfigUnknownKey(t *testing.T) {
	_, err := ReadConfig(strings.NewReader(`{"batch_size": 16, "atype": "location"}`))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError but got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	mutations := map[string]func(c *Config){
		"batch_size":     func(c *Config) { c.BatchSize = 0 },
		"batch_sort_key": func(c *Config) { c.BatchSortKey = "length" },
		"opt":            func(c *Config) { c.Opt = "sgd" },
		"task":           func(c *Config) { c.Task = "mt" },
		"sortagrad":      func(c *Config) { c.Sortagrad = -2 },
		"ngpu":           func(c *Config) { c.NGPU = -1 },
	}
	for key, mutate := range mutations {
		c := DefaultConfig()
		mutate(c)
		err := c.Validate()
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("%s: expected *ConfigError but got %v", key, err)
		} else if ce.Key != key {
			t.Errorf("%s: error names key %q", key, ce.Key)
		}
	}
	c := DefaultConfig()
	c.BatchSortKey = "bogus"
	if err := c.Validate(); !errors.Is(err, ErrInvalidSortKey) {
		t.Errorf("expected ErrInvalidSortKey but got %v", err)
	}
}

func TestConfigEnv(t *testing.T) {
	c := DefaultConfig()
	err := c.ApplyEnvMap(map[string]string{
		"ANYSPEECH_BATCH_SIZE": "7",
		"ANYSPEECH_GRAD_CLIP":  "2.5",
		"ANYSPEECH_SCATTER":    "true",
		"HOME":                 "/root",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.BatchSize != 7 || c.GradClip != 2.5 || !c.Scatter {
		t.Errorf("unexpected config: %+v", c)
	}
	if err := c.ApplyEnvMap(map[string]string{"ANYSPEECH_BOGUS": "1"}); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey but got %v", err)
	}
	if err := c.Set("batch_size", "seven"); err == nil {
		t.Error("expected parse error")
	}
}

func TestEffectiveMinBatchSize(t *testing.T) {
	c := DefaultConfig()
	if c.EffectiveMinBatchSize() != 1 {
		t.Error("expected 1 by default")
	}
	c.NGPU = 4
	if c.EffectiveMinBatchSize() != 1 {
		t.Error("expected 1 for sharded multi-device")
	}
	c.Scatter = true
	if c.EffectiveMinBatchSize() != 4 {
		t.Error("expected device count for scatter mode")
	}
	c.MinBatchSize = 2
	if c.EffectiveMinBatchSize() != 2 {
		t.Error("expected explicit value")
	}
}

func TestDeviceSet(t *testing.T) {
	d := NewDeviceSet(2)
	if err := d.Check(Host); err != nil {
		t.Error(err)
	}
	if err := d.Check(1); err != nil {
		t.Error(err)
	}
	if err := d.Check(2); !errors.Is(err, ErrUnsupportedDevice) {
		t.Errorf("expected ErrUnsupportedDevice but got %v", err)
	}
	if len(NewDeviceSet(0).Devices()) != 1 || NewDeviceSet(0).Devices()[0] != Host {
		t.Error("expected host-only devices")
	}
}
