package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// MemoizeConfig adjusts Memoize behaviour. Zero values fall back to the
// cache defaults and a JSON key over the arguments.
type MemoizeConfig struct {
	KeyGenerator func(args ...any) string
	TTL          time.Duration
	Namespace    string
}

// Memoize wraps fn so repeated calls with equal generated keys reuse a single
// cached result (compute on miss, store, return). Errors are never cached.
func (c *Cache) Memoize(fn func(args ...any) (any, error), cfg MemoizeConfig) func(args ...any) (any, error) {
	keyGen := cfg.KeyGenerator
	if keyGen == nil {
		keyGen = defaultKey
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "memoize"
	}

	return func(args ...any) (any, error) {
		key := keyGen(args...)
		if v, ok := c.Get(key, ns); ok {
			return v, nil
		}
		v, err := fn(args...)
		if err != nil {
			return nil, err
		}
		opts := []SetOption{WithNamespace(ns)}
		if cfg.TTL > 0 {
			opts = append(opts, WithTTL(cfg.TTL))
		}
		c.Set(key, v, opts...)
		return v, nil
	}
}

func defaultKey(args ...any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
