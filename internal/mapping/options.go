// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package mapping

import "time"

// Option adjusts a single save or delete.
type Option func(*options)

type options struct {
	ttl       time.Duration
	timestamp int64
}

// TTL expires the written row after d. Not valid on deletes.
func TTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// Timestamp sets the write timestamp of the mutation.
func Timestamp(t time.Time) Option {
	return func(o *options) { o.timestamp = t.UnixMicro() }
}

func (o options) zero() bool { return o.ttl == 0 && o.timestamp == 0 }

func resolve(defaults []Option, opts []Option) options {
	var o options
	for _, opt := range defaults {
		opt(&o)
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
