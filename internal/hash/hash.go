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

// Package hash creates stable string keys from arbitrary objects, for
// use in cache and job identifiers.
package hash

import (
	"encoding/gob"
	"fmt"
	"hash/fnv"

	"github.com/davecgh/go-spew/spew"
)

// printer dumps values deterministically regardless of map ordering
// or pointer addresses.
var printer = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisableMethods:          true,
	SpewKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// Hash returns a hash key for the specified object. Objects
// implementing fmt.Stringer are keyed by their String method; other
// objects are gob-encoded into an FNV hash. Objects that gob cannot
// encode (for example, ones containing function values) fall back to
// a deterministic textual dump.
func Hash(object interface{}) string {
	if s, ok := object.(fmt.Stringer); ok {
		return s.String()
	}
	h := fnv.New128a()
	e := gob.NewEncoder(h)
	if err := e.Encode(object); err != nil {
		printer.Fprintf(h, "%#v", object)
	}
	bKey := h.Sum(nil)
	return fmt.Sprintf("%x", bKey[0:h.Size()])
}
