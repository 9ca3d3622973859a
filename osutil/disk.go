// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Benchrig Systems
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
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

package osutil

import (
	"golang.org/x/sys/unix"
)

var statfs = unix.Statfs

// DiskFreeBytes reports the number of bytes available to an
// unprivileged caller on the filesystem containing path.
func DiskFreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// MockDiskFreeBytes replaces the statfs call backing DiskFreeBytes for
// the duration of a test.
func MockDiskFreeBytes(free uint64, err error) (restore func()) {
	old := statfs
	statfs = func(path string, st *unix.Statfs_t) error {
		if err != nil {
			return err
		}
		st.Bavail = free
		st.Bsize = 1
		return nil
	}
	return func() {
		statfs = old
	}
}
