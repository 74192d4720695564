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

package common

import (
	"hash/crc64"
	"os"
	"sync"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
)

// Reloader represents a read-only, in-memory reloadable data object, such
// as a domain filter list that is loaded into memory for lookups and from
// time to time is re-read from the same file.
type Reloader interface {

	// Reload reloads the data object. Reload returns a flag indicating if the
	// reloadable target has changed and reloaded or remains unchanged. When
	// reloading fails, the Reloader retains its previous in-memory state.
	Reload() (bool, error)

	// WillReload indicates if the data object is capable of reloading.
	WillReload() bool

	// LogDescription returns a description to be used for logging
	// events related to the Reloader.
	LogDescription() string
}

// ReloadableFile is a file-backed Reloader. This type is intended to be
// embedded in other types that add the actual reloadable data structures.
//
// The reloadAction callback receives the full file content and must build
// the new data structures from it. reloadAction is invoked with the
// ReloadableFile write lock held; readers of the data structures should
// hold the read lock.
//
// reloadAction must leave the previous data structures in place when it
// fails.
type ReloadableFile struct {
	sync.RWMutex
	fileName     string
	checksum     uint64
	loaded       bool
	reloadAction func([]byte) error
}

// NewReloadableFile initializes a new ReloadableFile.
func NewReloadableFile(
	fileName string,
	reloadAction func([]byte) error) *ReloadableFile {

	return &ReloadableFile{
		fileName:     fileName,
		reloadAction: reloadAction,
	}
}

// WillReload indicates whether the ReloadableFile is capable
// of reloading.
func (reloadable *ReloadableFile) WillReload() bool {
	return reloadable.fileName != ""
}

var crc64table = crc64.MakeTable(crc64.ISO)

// Reload reads the underlying file and, when its content has changed since
// the last successful reload, invokes reloadAction.
//
// A content checksum, not the file size or modification time, determines
// whether the file has changed: filter lists are often repaved with
// identical content, and an edit may not change the size.
//
// Reload must not be called from multiple concurrent goroutines.
func (reloadable *ReloadableFile) Reload() (bool, error) {

	if !reloadable.WillReload() {
		return false, nil
	}

	// Check whether the file has changed _before_ blocking readers.

	reloadable.RLock()
	fileName := reloadable.fileName
	previousChecksum := reloadable.checksum
	loaded := reloadable.loaded
	reloadable.RUnlock()

	content, err := os.ReadFile(fileName)
	if err != nil {
		return false, errors.Trace(err)
	}

	checksum := crc64.Checksum(content, crc64table)

	if loaded && checksum == previousChecksum {
		return false, nil
	}

	reloadable.Lock()
	defer reloadable.Unlock()

	err = reloadable.reloadAction(content)
	if err != nil {
		return false, errors.Trace(err)
	}

	reloadable.checksum = checksum
	reloadable.loaded = true

	return true, nil
}

// LogDescription returns the file name.
func (reloadable *ReloadableFile) LogDescription() string {
	return reloadable.fileName
}
