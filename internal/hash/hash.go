// Package hash builds deterministic 64-bit content hashes used as HTTP
// ETags and cache keys.
package hash

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Builder accumulates values into an xxhash digest.
//
// Usage:
//
//	etag := hash.New().
//	    String(agentID).
//	    Int64(bucket.Count).
//	    OptionalFloat(bucket.Mean).
//	    ETag()
//
// The same sequence of calls always yields the same value. Order matters.
type Builder struct {
	d   *xxhash.Digest
	buf [8]byte
}

// New creates an empty builder.
func New() *Builder {
	return &Builder{d: xxhash.New()}
}

// String adds a string followed by a separator.
func (b *Builder) String(s string) *Builder {
	b.d.WriteString(s)
	b.d.Write([]byte{0})
	return b
}

// Int64 adds an integer.
func (b *Builder) Int64(i int64) *Builder {
	binary.LittleEndian.PutUint64(b.buf[:], uint64(i))
	b.d.Write(b.buf[:])
	return b
}

// Float adds the IEEE 754 bits of f.
func (b *Builder) Float(f float64) *Builder {
	binary.LittleEndian.PutUint64(b.buf[:], math.Float64bits(f))
	b.d.Write(b.buf[:])
	return b
}

// OptionalFloat adds a nil-safe float pointer.
func (b *Builder) OptionalFloat(f *float64) *Builder {
	if f == nil {
		return b.Bool(false)
	}
	return b.Bool(true).Float(*f)
}

// Bool adds a boolean.
func (b *Builder) Bool(v bool) *Builder {
	if v {
		b.d.Write([]byte{1})
	} else {
		b.d.Write([]byte{0})
	}
	return b
}

// Time adds a timestamp at nanosecond precision.
func (b *Builder) Time(t time.Time) *Builder {
	return b.Int64(t.UnixNano())
}

// Sum returns the hash value.
func (b *Builder) Sum() uint64 {
	return b.d.Sum64()
}

// ETag returns the hash formatted as a strong HTTP entity tag.
func (b *Builder) ETag() string {
	return fmt.Sprintf(`"%016x"`, b.Sum())
}
