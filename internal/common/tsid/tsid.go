// Package tsid mints time-sorted identifiers: 64 bits split between a
// millisecond timestamp and a random component, rendered as 13 characters of
// Crockford Base32. IDs minted in a later millisecond sort lexicographically
// after earlier ones, so batch IDs order by claim time in logs and indexes.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"
)

// Layout: 42 bits of milliseconds since 2020-01-01T00:00:00Z, then 22 random
// bits. The timestamp field lasts until the year 2159.
const (
	epochMillis = 1577836800000

	timestampBits = 42
	randomBits    = 22

	encodedLen = 13

	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// ErrInvalidID reports a string that is not a well-formed TSID.
var ErrInvalidID = errors.New("tsid: invalid id")

type generator struct {
	mu       sync.Mutex
	lastTime int64
	counter  uint32
}

var defaultGenerator generator

// Generate returns a new TSID from the process-wide generator.
func Generate() string {
	return defaultGenerator.generate()
}

func (g *generator) generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - epochMillis

	var buf [4]byte
	rand.Read(buf[:])
	random := binary.BigEndian.Uint32(buf[:]) & (1<<randomBits - 1)

	// Within one millisecond the low 16 random bits become a counter, so
	// IDs minted in the same tick never collide.
	if now == g.lastTime {
		g.counter++
		random = random&^0xFFFF | g.counter&0xFFFF
	} else {
		g.lastTime = now
		g.counter = 0
	}

	return encode(uint64(now)<<randomBits | uint64(random))
}

// Timestamp extracts the time an ID was minted.
func Timestamp(id string) (time.Time, error) {
	v, err := decode(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(v>>randomBits) + epochMillis), nil
}

func encode(v uint64) string {
	var b [encodedLen]byte
	for i := encodedLen - 1; i >= 0; i-- {
		b[i] = alphabet[v&0x1F]
		v >>= 5
	}
	return string(b[:])
}

// decode accepts the aliases Crockford permits on input: lowercase, I and L
// for 1, O for 0. U is excluded from the alphabet and has no alias.
func decode(s string) (uint64, error) {
	if len(s) != encodedLen {
		return 0, ErrInvalidID
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		switch c {
		case 'I', 'L':
			c = '1'
		case 'O':
			c = '0'
		}
		idx := strings.IndexByte(alphabet, c)
		if idx < 0 {
			return 0, ErrInvalidID
		}
		v = v<<5 | uint64(idx)
	}
	return v, nil
}
