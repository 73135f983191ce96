// Package config loads the persistent configuration saved in the ramdisk
// when the boot image was patched.
package config

import (
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	PreinitDevice    string
	KeepVerity       bool
	KeepForceEncrypt bool
	RecoveryMode     bool
	SHA1             string
	// OverlaySize limits the tmpfs backing the new root; 0 leaves the
	// kernel default.
	OverlaySize datasize.ByteSize
	Debug       bool
}

// Load reads the KEY=VALUE configuration file at path.
// A missing or malformed file yields the zero configuration; individual
// malformed values keep their defaults.
func Load(path string) *Config {
	values, err := godotenv.Read(path)
	if err != nil {
		values = map[string]string{}
	}
	return FromMap(values)
}

// FromMap builds a configuration from already parsed values.
func FromMap(values map[string]string) *Config {
	getEnv := func(key, defaultValue string) string {
		if value := values[key]; value != "" {
			return value
		}
		return defaultValue
	}

	cfg := &Config{
		PreinitDevice:    getEnv("PREINITDEVICE", ""),
		KeepVerity:       getBool(getEnv("KEEPVERITY", ""), false),
		KeepForceEncrypt: getBool(getEnv("KEEPFORCEENCRYPT", ""), false),
		RecoveryMode:     getBool(getEnv("RECOVERYMODE", ""), false),
		SHA1:             getEnv("SHA1", ""),
		Debug:            getBool(getEnv("DEBUG", ""), false),
	}

	if size := getEnv("OVERLAYSIZE", ""); size != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(size)); err == nil {
			cfg.OverlaySize = v
		}
	}

	return cfg
}

func getBool(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}
