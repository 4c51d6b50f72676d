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

package pathname

import (
	"strings"
	"testing"

	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNameNFC(t *testing.T) {
	// "é" as 'e' + combining acute normalizes to the single code point.
	decomposed := "cafe\u0301"

	got, err := ValidateName(decomposed)
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", got)
}

func TestValidateNameRejectsSlash(t *testing.T) {
	_, err := ValidateName("a/b")
	assert.True(t, ltfserr.IsKind(err, ltfserr.InvalidPath))
}

func TestValidateNameRejectsNUL(t *testing.T) {
	_, err := ValidateName("a\x00b")
	assert.True(t, ltfserr.IsKind(err, ltfserr.InvalidPath))
}

func TestValidateNameRejectsEmpty(t *testing.T) {
	_, err := ValidateName("")
	assert.True(t, ltfserr.IsKind(err, ltfserr.InvalidPath))
}

func TestValidateNameRejectsInvalidUTF8(t *testing.T) {
	_, err := ValidateName(string([]byte{0xff, 0xfe}))
	assert.True(t, ltfserr.IsKind(err, ltfserr.InvalidPath))
}

func TestValidateNameLength(t *testing.T) {
	ok := strings.Repeat("x", MaxNameBytes)
	got, err := ValidateName(ok)
	require.NoError(t, err)
	assert.Equal(t, ok, got)

	_, err = ValidateName(ok + "x")
	assert.True(t, ltfserr.IsKind(err, ltfserr.NameTooLong))
}

func TestSplit(t *testing.T) {
	components, err := Split("/foo/bar/baz.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "bar", "baz.txt"}, components)
}

func TestSplitRoot(t *testing.T) {
	components, err := Split("/")
	require.NoError(t, err)
	assert.Empty(t, components)
}

func TestSplitCollapsesSlashes(t *testing.T) {
	components, err := Split("//foo///bar/")
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "bar"}, components)
}

func TestSplitRequiresAbsolute(t *testing.T) {
	_, err := Split("relative/path")
	assert.True(t, ltfserr.IsKind(err, ltfserr.InvalidPath))
}

func TestValidateXattrName(t *testing.T) {
	assert.NoError(t, ValidateXattrName("user.metadata"))
	assert.Error(t, ValidateXattrName(""))
	assert.Error(t, ValidateXattrName("bad\x00name"))
}
