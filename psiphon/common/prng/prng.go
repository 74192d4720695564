/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package prng implements a seeded PRNG used for TCP initial sequence numbers
and timer jitter.

Seeding is based on crypto/rand.Read and the PRNG stream is provided by
chacha20, which avoids the syscall overhead of crypto/rand.Read for values
that are generated per flow.

This PRNG is _not_ for security use cases including cryptographic key
generation.

It is safe to make concurrent calls to a PRNG instance, including the global
instance.

*/
package prng

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"golang.org/x/crypto/chacha20"
)

const (
	SEED_LENGTH = chacha20.KeySize
)

// Seed is a PRNG seed.
type Seed [SEED_LENGTH]byte

// NewSeed creates a new PRNG seed using crypto/rand.Read.
func NewSeed() (*Seed, error) {
	seed := new(Seed)
	_, err := crypto_rand.Read(seed[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	return seed, nil
}

// PRNG is a seeded PRNG based on chacha20.
type PRNG struct {
	rand                   *rand.Rand
	randomStreamMutex      sync.Mutex
	randomStreamSeed       *Seed
	randomStream           *chacha20.Cipher
	randomStreamUsed       uint64
	randomStreamRekeyCount uint64
}

// NewPRNGWithSeed initializes a new PRNG using an existing seed. PRNGs with
// the same seed produce the same stream.
func NewPRNGWithSeed(seed *Seed) *PRNG {
	p := &PRNG{
		randomStreamSeed: seed,
	}
	p.rekey()
	p.rand = rand.New(p)
	return p
}

// Read reads random bytes from the PRNG stream into b. Read conforms to
// io.Reader and always returns len(p), nil.
func (p *PRNG) Read(b []byte) (int, error) {

	p.randomStreamMutex.Lock()
	defer p.randomStreamMutex.Unlock()

	// Re-key before reaching the 2^38-64 chacha20 key stream limit.
	if p.randomStreamUsed+uint64(len(b)) >= uint64(1<<38-64) {
		p.rekey()
	}

	clear(b)
	p.randomStream.XORKeyStream(b, b)

	p.randomStreamUsed += uint64(len(b))

	return len(b), nil
}

func (p *PRNG) rekey() {

	// To rekey without changing the seed, a counter is used for the nonce.

	var randomKeyNonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(randomKeyNonce[0:8], p.randomStreamRekeyCount)

	var err error
	p.randomStream, err = chacha20.NewUnauthenticatedCipher(
		p.randomStreamSeed[:], randomKeyNonce[:])
	if err != nil {
		// The only possible errors are invalid key or nonce sizes.
		panic(errors.Trace(err))
	}

	p.randomStreamRekeyCount += 1
	p.randomStreamUsed = 0
}

// Int63 is equivalent to math/rand.Int63.
func (p *PRNG) Int63() int64 {
	i := p.Uint64()
	return int64(i & (1<<63 - 1))
}

// Uint64 is equivalent to math/rand.Uint64.
func (p *PRNG) Uint64() uint64 {
	var b [8]byte
	p.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Uint32 is equivalent to math/rand.Uint32.
func (p *PRNG) Uint32() uint32 {
	var b [4]byte
	p.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Seed must exist in order to use a PRNG as a math/rand.Source. This call is
// not supported and ignored.
func (p *PRNG) Seed(_ int64) {
}

// int63n is equivalent to math/rand.Int63n, except it returns 0 if n <= 0
// instead of panicking.
func (p *PRNG) int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return p.rand.Int63n(n)
}

// Jitter returns n +/- the given factor.
// For example, for n = 100 and factor = 0.1, the
// return value will be in the range [90, 110].
func (p *PRNG) Jitter(n int64, factor float64) int64 {
	a := int64(math.Ceil(float64(n) * factor))
	r := p.int63n(2*a + 1)
	return n + r - a
}

// JitterDuration invokes Jitter for time.Duration.
func (p *PRNG) JitterDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(p.Jitter(int64(d), factor))
}

var p *PRNG

func Uint32() uint32 {
	return p.Uint32()
}

func JitterDuration(d time.Duration, factor float64) time.Duration {
	return p.JitterDuration(d, factor)
}

func init() {

	// Limitation: if crypto/rand.Read fails, the global PRNG will be
	// initialized with a zero-byte seed, which still suffices for the
	// non-security uses of the global PRNG.
	seed, err := NewSeed()
	if err != nil {
		seed = new(Seed)
	}
	p = NewPRNGWithSeed(seed)
}
