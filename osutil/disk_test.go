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

package osutil_test

import (
	"errors"

	"gopkg.in/check.v1"

	"github.com/benchrig/benchd/osutil"
)

type diskSuite struct{}

var _ = check.Suite(&diskSuite{})

func (s *diskSuite) TestDiskFreeBytesHappy(c *check.C) {
	restore := osutil.MockDiskFreeBytes(8192, nil)
	defer restore()

	free, err := osutil.DiskFreeBytes("/staging")
	c.Assert(err, check.IsNil)
	c.Check(free, check.Equals, uint64(8192))
}

func (s *diskSuite) TestDiskFreeBytesError(c *check.C) {
	restore := osutil.MockDiskFreeBytes(0, errors.New("boom"))
	defer restore()

	_, err := osutil.DiskFreeBytes("/staging")
	c.Assert(err, check.ErrorMatches, "boom")
}

func (s *diskSuite) TestDiskFreeBytesRealPath(c *check.C) {
	free, err := osutil.DiskFreeBytes(c.MkDir())
	c.Assert(err, check.IsNil)
	c.Check(free > 0, check.Equals, true)
}
