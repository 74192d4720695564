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

package prng

import (
	"bytes"
	"fmt"
	"math"
	"testing"
	"time"
)

func newTestPRNG(t *testing.T) *PRNG {
	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}
	return NewPRNGWithSeed(seed)
}

func TestSeed(t *testing.T) {

	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	prng1 := NewPRNGWithSeed(seed)
	prng2 := NewPRNGWithSeed(seed)

	otherSeed, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}
	prng3 := NewPRNGWithSeed(otherSeed)

	for i := 1; i < 10000; i++ {

		bytes1 := make([]byte, i)
		prng1.Read(bytes1)

		bytes2 := make([]byte, i)
		prng2.Read(bytes2)

		bytes3 := make([]byte, i)
		prng3.Read(bytes3)

		zeroes := make([]byte, i)
		if bytes.Equal(zeroes, bytes1) {
			t.Fatalf("unexpected zero bytes")
		}

		if !bytes.Equal(bytes1, bytes2) {
			t.Fatalf("unexpected different bytes")
		}

		if i > 8 && bytes.Equal(bytes1, bytes3) {
			t.Fatalf("unexpected identical bytes")
		}
	}
}

func TestUint32(t *testing.T) {

	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		seen[Uint32()] = true
	}

	// A handful of collisions among 1000 32-bit values is already
	// very unlikely.

	if len(seen) < 990 {
		t.Fatalf("unexpected collisions: %d distinct values", len(seen))
	}
}

func TestJitter(t *testing.T) {

	testCases := []struct {
		n           int64
		factor      float64
		expectedMin int64
		expectedMax int64
	}{
		{100, 0.1, 90, 110},
		{1000, 0.3, 700, 1300},
	}

	for _, testCase := range testCases {
		t.Run(fmt.Sprintf("Jitter case: %+v", testCase), func(t *testing.T) {

			p := newTestPRNG(t)

			min := int64(math.MaxInt64)
			max := int64(0)

			for i := 0; i < 100000; i++ {

				x := p.Jitter(testCase.n, testCase.factor)
				if x < min {
					min = x
				}
				if x > max {
					max = x
				}
			}

			if min != testCase.expectedMin {
				t.Errorf("unexpected minimum jittered value: %d", min)
			}

			if max != testCase.expectedMax {
				t.Errorf("unexpected maximum jittered value: %d", max)
			}
		})
	}

	d := JitterDuration(10*time.Second, 0.1)
	if d < 9*time.Second || d > 11*time.Second {
		t.Errorf("unexpected jittered duration: %s", d)
	}
}

func TestJitterZero(t *testing.T) {

	p := newTestPRNG(t)

	for i := 0; i < 1000; i++ {
		if x := p.Jitter(0, 0.1); x != 0 {
			t.Fatalf("unexpected jittered zero: %d", x)
		}
		if x := p.Jitter(100, 0); x != 100 {
			t.Fatalf("unexpected jitter with zero factor: %d", x)
		}
	}

	if d := JitterDuration(time.Second, 0); d != time.Second {
		t.Errorf("unexpected jittered duration: %s", d)
	}
}
