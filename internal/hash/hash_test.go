/*
Copyright © 2024 the DEMVal authors.
This file is part of DEMVal.

DEMVal is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

DEMVal is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with DEMVal.  If not, see <http://www.gnu.org/licenses/>.
*/

package hash

import (
	"testing"
	"time"
)

func TestHash(t *testing.T) {
	type key struct {
		Name string
		N    int
	}
	a := Hash(key{Name: "tile", N: 4})
	if len(a) != 32 {
		t.Fatalf("hash %q has length %d, want 32", a, len(a))
	}
	if b := Hash(key{Name: "tile", N: 4}); b != a {
		t.Errorf("equal objects hash to %s and %s", a, b)
	}
	if b := Hash(key{Name: "tile", N: 5}); b == a {
		t.Errorf("distinct objects share hash %s", a)
	}
}

func TestHashStringer(t *testing.T) {
	if got := Hash(90 * time.Second); got != "1m30s" {
		t.Errorf("got %q, want the Stringer result 1m30s", got)
	}
}

func TestHashUnencodable(t *testing.T) {
	// gob cannot encode function values, forcing the textual fallback.
	v := struct{ F func() }{F: func() {}}
	a := Hash(v)
	if len(a) != 32 {
		t.Fatalf("hash %q has length %d, want 32", a, len(a))
	}
	if b := Hash(v); b != a {
		t.Errorf("hashing the same value twice gave %s and %s", a, b)
	}
}
