// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fusefs

import (
	"syscall"
	"testing"

	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/jacobsa/fuse"
	"github.com/stretchr/testify/assert"
)

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		kind ltfserr.Kind
		want error
	}{
		{ltfserr.NoDentry, fuse.ENOENT},
		{ltfserr.NoXattr, fuse.ENOATTR},
		{ltfserr.Exists, fuse.EEXIST},
		{ltfserr.NotADir, fuse.ENOTDIR},
		{ltfserr.IsADir, syscall.EISDIR},
		{ltfserr.NotEmpty, fuse.ENOTEMPTY},
		{ltfserr.NameTooLong, syscall.ENAMETOOLONG},
		{ltfserr.InvalidPath, fuse.EINVAL},
		{ltfserr.NoSpace, syscall.ENOSPC},
		{ltfserr.LargeXattr, syscall.E2BIG},
		{ltfserr.RdonlyXattr, syscall.EPERM},
		{ltfserr.ReadOnlyVolume, syscall.EROFS},
		{ltfserr.WriteProtected, syscall.EROFS},
		{ltfserr.MediumError, fuse.EIO},
		{ltfserr.RevalFailed, fuse.EIO},
	}

	for _, tc := range cases {
		got := errno(ltfserr.New(tc.kind, "op"))
		assert.Equal(t, tc.want, got, "kind %v", tc.kind)
	}

	assert.NoError(t, errno(nil))
}
