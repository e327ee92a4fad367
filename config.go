package mailstore

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/infodancer/mailstore/errors"
)

// StoreConfig contains settings for opening a store.
type StoreConfig struct {
	// Type is the driver name (e.g., "mbox", "maildir").
	Type string `toml:"type"`

	// BasePath is the root directory for mailboxes.
	BasePath string `toml:"base_path"`

	// Options contains implementation-specific settings:
	//   mailbox_subpath   path under each user's directory (e.g. "Maildir", "mbox");
	//                     maildir_subdir is accepted as an older name
	//   path_template     mailbox name rewrite using {domain}, {localpart}, {email}
	//   readonly          "true" to open every stream readonly
	//   lock_timeout      Go duration bounding lock waits
	//   stale_lock_age    Go duration after which a lock file is abandoned
	//   lock_dir          directory for session lock files
	//   keyword_capacity  keyword slots per mailbox
	Options map[string]string `toml:"options"`
}

// LoadConfig reads a StoreConfig from a TOML file. Unknown keys are
// logged and ignored.
func LoadConfig(path string) (StoreConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return StoreConfig{}, err
	}

	var cfg StoreConfig
	md, err := toml.Decode(string(content), &cfg)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("unknown configuration keys ignored", slog.String("path", path), slog.Any("keys", keys))
	}
	if cfg.Type == "" || cfg.BasePath == "" {
		return StoreConfig{}, errors.ErrStoreConfigInvalid
	}
	return cfg, nil
}

// OpenOptions derives stream options from the config's Options map.
func (c StoreConfig) OpenOptions() (OpenOptions, error) {
	var opts OpenOptions
	var err error

	if v, ok := c.Options["readonly"]; ok {
		if opts.ReadOnly, err = strconv.ParseBool(v); err != nil {
			return opts, fmt.Errorf("%w: readonly: %v", errors.ErrStoreConfigInvalid, err)
		}
	}
	if v, ok := c.Options["lock_timeout"]; ok {
		if opts.LockTimeout, err = time.ParseDuration(v); err != nil {
			return opts, fmt.Errorf("%w: lock_timeout: %v", errors.ErrStoreConfigInvalid, err)
		}
	}
	if v, ok := c.Options["stale_lock_age"]; ok {
		if opts.StaleLockAge, err = time.ParseDuration(v); err != nil {
			return opts, fmt.Errorf("%w: stale_lock_age: %v", errors.ErrStoreConfigInvalid, err)
		}
	}
	if v, ok := c.Options["keyword_capacity"]; ok {
		if opts.KeywordCapacity, err = strconv.Atoi(v); err != nil || opts.KeywordCapacity < 0 {
			return opts, fmt.Errorf("%w: keyword_capacity: %q", errors.ErrStoreConfigInvalid, v)
		}
	}
	opts.LockDir = c.Options["lock_dir"]
	return opts, nil
}
