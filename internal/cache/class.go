// Package cache is the two-tier cache shared by every calculator: a fast
// in-process map in front of a durable store, partitioned into classes that
// each carry their own expiry policy.
package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Class partitions cached data by expiry policy.
type Class string

const (
	Static      Class = "static"
	Calculators Class = "calculators"
	FHIR        Class = "fhir"
	Images      Class = "images"
)

// Classes lists every class in a stable order.
var Classes = []Class{Static, Calculators, FHIR, Images}

// NoExpiry stores an entry that never expires on its own.
const NoExpiry time.Duration = -1

var defaultTTLs = map[Class]time.Duration{
	Static:      7 * 24 * time.Hour,
	Calculators: 24 * time.Hour,
	FHIR:        5 * time.Minute,
	Images:      30 * 24 * time.Hour,
}

// DefaultTTL is the expiry applied when Set is called with a zero TTL.
// FHIR data is deliberately short-lived: clinical values must not be reused
// across the cache for longer than a few minutes.
func (c Class) DefaultTTL() time.Duration {
	return defaultTTLs[c]
}

// Bucket returns the durable namespace of the class, e.g. "medcalc-fhir-v1".
func (c Class) Bucket(version string) string {
	return "medcalc-" + string(c) + "-v" + version
}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	_, ok := defaultTTLs[c]
	return ok
}

// ParseClass converts a name into a Class.
func ParseClass(s string) (Class, error) {
	c := Class(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown cache class %q", s)
	}
	return c, nil
}

// Entry is the stored form of a cached value. Timestamps are Unix
// milliseconds; a nil Expiry never expires.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Expiry    *int64          `json:"expiry"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return e.Expiry != nil && now.UnixMilli() > *e.Expiry
}

func newEntry(data []byte, now time.Time, ttl time.Duration) Entry {
	e := Entry{Data: data, Timestamp: now.UnixMilli()}
	if ttl >= 0 {
		exp := now.Add(ttl).UnixMilli()
		e.Expiry = &exp
	}
	return e
}
