// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package introspect

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// An Address is a location in the process address space.
type Address uint64

// Add adds x to address a.
func (a Address) Add(x int64) Address {
	return a + Address(x)
}

// Align rounds a up to a multiple of x.
// x must be a power of 2.
func (a Address) Align(x int64) Address {
	return (a + Address(x) - 1) & ^(Address(x) - 1)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// A Perm represents the permissions allowed for a Mapping.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

// A Mapping represents a contiguous, page aligned range of the address space.
type Mapping struct {
	Min  Address
	Max  Address
	Perm Perm
}

const pageSize Address = 1 << 12

// mappings is a set of non-overlapping mappings sorted by address.
type mappings []Mapping

func newMappings(ms []Mapping) (mappings, error) {
	out := make(mappings, len(ms))
	copy(out, ms)
	sort.Slice(out, func(i, j int) bool { return out[i].Min < out[j].Min })
	for i, m := range out {
		if m.Min%pageSize != 0 {
			return nil, fmt.Errorf("mapping start %x isn't a multiple of 4096", m.Min)
		}
		if m.Max%pageSize != 0 {
			return nil, fmt.Errorf("mapping end %x isn't a multiple of 4096", m.Max)
		}
		if i > 0 && m.Min < out[i-1].Max {
			return nil, fmt.Errorf("mapping %s-%s overlaps %s-%s", m.Min, m.Max, out[i-1].Min, out[i-1].Max)
		}
	}
	return out, nil
}

func (ms mappings) findMapping(a Address) *Mapping {
	i := sort.Search(len(ms), func(i int) bool { return ms[i].Max > a })
	if i < len(ms) && ms[i].Min <= a {
		return &ms[i]
	}
	return nil
}

// readable reports whether every byte of [a, a+n) is mapped readable.
func (ms mappings) readable(a Address, n int) bool {
	if n <= 0 {
		return true
	}
	end := a.Add(int64(n))
	if end < a {
		return false
	}
	for a < end {
		m := ms.findMapping(a)
		if m == nil || m.Perm&Read == 0 {
			return false
		}
		a = m.Max
	}
	return true
}

// reader decodes little endian runtime structures from memory. Pointers
// are returned with the bits of tagMask cleared.
type reader struct {
	mem     io.ReaderAt
	ptrSize int
	tagMask Address
	buf     [8]byte
}

func (r *reader) untag(a Address) Address {
	return a &^ r.tagMask
}

func (r *reader) read(a Address, n int) ([]byte, error) {
	if a == 0 {
		return nil, fmt.Errorf("%w: nil address", ErrAddressNotMapped)
	}
	var b []byte
	if n <= len(r.buf) {
		b = r.buf[:n]
	} else {
		b = make([]byte, n)
	}
	if _, err := r.mem.ReadAt(b, int64(a)); err != nil {
		return nil, fmt.Errorf("reading %d bytes at %s: %w", n, a, err)
	}
	return b, nil
}

func (r *reader) u16(a Address) (uint16, error) {
	b, err := r.read(a, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32(a Address) (uint32, error) {
	b, err := r.read(a, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64(a Address) (uint64, error) {
	b, err := r.read(a, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// bits reads an n byte little endian integer, n in {1, 2, 4, 8}.
func (r *reader) bits(a Address, n int) (uint64, error) {
	b, err := r.read(a, n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (r *reader) ptr(a Address) (Address, error) {
	if r.ptrSize == 4 {
		v, err := r.u32(a)
		return r.untag(Address(v)), err
	}
	v, err := r.u64(a)
	return r.untag(Address(v)), err
}

// ref reads a 32 bit compressed object reference.
func (r *reader) ref(a Address) (Address, error) {
	v, err := r.u32(a)
	return Address(v), err
}
