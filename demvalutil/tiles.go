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

package demvalutil

import (
	"fmt"

	"github.com/ciresdem/demval/tilestore"
)

// UpdateTileIndex rebuilds the photon tile database index by scanning
// the tile files in dir.
func UpdateTileIndex(dir string, c chan string) error {
	store, err := tilestore.OpenStore(dir)
	if err != nil {
		return err
	}
	if err := store.UpdateIndex(); err != nil {
		return err
	}
	entries, err := store.Index()
	if err != nil {
		return err
	}
	var photons int
	for _, e := range entries {
		photons += e.NumPhotons
	}
	c <- fmt.Sprintf("indexed %d tiles holding %d photons\n", len(entries), photons)
	return nil
}
