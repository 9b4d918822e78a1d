package ident

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rblinton/logistics-system/internal/domain/site"
)

// Identifier is a 128-bit site-scoped identifier. Layout, most significant
// bit first:
//
//	bits 127..120  site tag
//	bits 119..64   creation timestamp, milliseconds since epoch (truncated)
//	bits  63..0    per-site-tag counter, starting at 1
//
// Identifiers from different site tags never collide regardless of
// timestamp/counter overlap. The ledger treats the value as an opaque
// unique key.
type Identifier struct {
	Hi uint64
	Lo uint64
}

const timestampMask = (uint64(1) << 56) - 1

// Pack builds an identifier from its components. The timestamp is truncated
// to the 56-bit window.
func Pack(tag site.Tag, millis int64, counter uint64) Identifier {
	return Identifier{
		Hi: uint64(tag)<<56 | uint64(millis)&timestampMask,
		Lo: counter,
	}
}

// SiteTag extracts the site tag component
func (id Identifier) SiteTag() site.Tag {
	return site.Tag(id.Hi >> 56)
}

// Timestamp extracts the creation timestamp component in milliseconds
// since epoch
func (id Identifier) Timestamp() int64 {
	return int64(id.Hi & timestampMask)
}

// Counter extracts the per-site-tag counter component
func (id Identifier) Counter() uint64 {
	return id.Lo
}

// IsZero reports whether the identifier is the zero value
func (id Identifier) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

// Bytes returns the big-endian 16-byte encoding
func (id Identifier) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], id.Hi)
	binary.BigEndian.PutUint64(b[8:], id.Lo)
	return b
}

// String returns the canonical 32-character lowercase hex encoding
func (id Identifier) String() string {
	b := id.Bytes()
	return hex.EncodeToString(b[:])
}

// Parse decodes the canonical hex encoding produced by String
func Parse(s string) (Identifier, error) {
	if len(s) != 32 {
		return Identifier{}, fmt.Errorf("identifier must be 32 hex characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Identifier{}, fmt.Errorf("invalid identifier %q: %w", s, err)
	}
	return Identifier{
		Hi: binary.BigEndian.Uint64(raw[:8]),
		Lo: binary.BigEndian.Uint64(raw[8:]),
	}, nil
}

// FormatIn renders the identifier for diagnostics, resolving the site tag
// through the given registry. The output is not machine-parseable.
func (id Identifier) FormatIn(registry *site.Registry) string {
	code, _ := registry.CodeFor(id.SiteTag())
	ts := time.UnixMilli(id.Timestamp()).UTC().Format("2006-01-02T15:04:05.000Z")
	return fmt.Sprintf("%s@%s#%d", code, ts, id.Counter())
}
