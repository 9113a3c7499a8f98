// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package ban

import (
	"net/netip"
	"time"
)

type (
	// index is an immutable containment index: one binary trie over
	// address bits per family. It is built once and then published
	// through an atomic pointer; it is never mutated after
	// publication, which is what lets IsBanned read it without a
	// lock.
	index struct {
		v4 *node
		v6 *node
	}

	node struct {
		child   [2]*node
		entries []entry
	}

	// entry marks the end of an inserted prefix. The owning ban's
	// expiry travels with it so a lapsed ban stops matching without
	// requiring a write; a zero expiresAt never lapses.
	entry struct {
		banID     int64
		expiresAt time.Time
	}
)

func newIndex() *index {
	return &index{
		v4: &node{},
		v6: &node{},
	}
}

// insert adds a prefix under the given ban. The prefix must already
// be masked; addresses of different families go to independent tries
// and never compare as contained in one another.
func (ix *index) insert(p netip.Prefix, e entry) {
	var (
		n    = ix.v6
		bits = addrBits(p.Addr())
	)

	if p.Addr().Is4() {
		n = ix.v4
	}

	for i := 0; i < p.Bits(); i++ {
		b := bit(bits, i)
		if n.child[b] == nil {
			n.child[b] = &node{}
		}
		n = n.child[b]
	}

	n.entries = append(n.entries, e)
}

// contains reports whether addr falls inside any inserted prefix
// whose ban is still live at now. Matching walks address bits, so a
// /24 matches every address sharing its 24-bit prefix regardless of
// textual form.
func (ix *index) contains(addr netip.Addr, now time.Time) bool {
	var (
		n    = ix.v6
		bits = addrBits(addr)
		max  = addr.BitLen()
	)

	if addr.Is4() {
		n = ix.v4
	}

	for i := 0; ; i++ {
		for _, e := range n.entries {
			if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
				return true
			}
		}

		if i == max {
			return false
		}

		n = n.child[bit(bits, i)]
		if n == nil {
			return false
		}
	}
}

func addrBits(addr netip.Addr) []byte {
	if addr.Is4() {
		a := addr.As4()
		return a[:]
	}

	a := addr.As16()
	return a[:]
}

func bit(bits []byte, i int) int {
	return int(bits[i/8]>>(7-i%8)) & 1
}
