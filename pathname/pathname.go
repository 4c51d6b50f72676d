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

// Package pathname validates and normalizes names entering the filesystem.
// All names stored in dentries and serialized to the index are NFC-normalized
// UTF-8.
package pathname

import (
	"strings"
	"unicode/utf8"

	"github.com/amiaopensource/ltfs/ltfserr"
	"golang.org/x/text/unicode/norm"
)

// MaxNameBytes is the longest permitted name component, in bytes, after NFC
// normalization.
const MaxNameBytes = 255

// Normalize returns the NFC form of s.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

// ValidateName checks one path component and returns its NFC form.
func ValidateName(name string) (normalized string, err error) {
	if name == "" {
		err = ltfserr.New(ltfserr.InvalidPath, "pathname.ValidateName")
		return
	}

	if !utf8.ValidString(name) {
		err = ltfserr.New(ltfserr.InvalidPath, "pathname.ValidateName")
		return
	}

	if strings.ContainsAny(name, "/\x00") {
		err = ltfserr.New(ltfserr.InvalidPath, "pathname.ValidateName")
		return
	}

	normalized = norm.NFC.String(name)
	if len(normalized) > MaxNameBytes {
		err = ltfserr.New(ltfserr.NameTooLong, "pathname.ValidateName")
		normalized = ""
		return
	}

	return
}

// Split splits an absolute slash-separated path into validated, normalized
// components. The root path "/" yields an empty slice.
func Split(path string) (components []string, err error) {
	if path == "" || path[0] != '/' {
		err = ltfserr.New(ltfserr.InvalidPath, "pathname.Split")
		return
	}

	for _, raw := range strings.Split(path, "/") {
		if raw == "" || raw == "." {
			continue
		}

		var c string
		c, err = ValidateName(raw)
		if err != nil {
			components = nil
			return
		}

		components = append(components, c)
	}

	return
}

// ValidateXattrName checks an extended attribute name. The host "user."
// prefix must already be stripped.
func ValidateXattrName(name string) error {
	if name == "" {
		return ltfserr.New(ltfserr.BadArg, "pathname.ValidateXattrName")
	}

	if !utf8.ValidString(name) || strings.ContainsRune(name, '\x00') {
		return ltfserr.New(ltfserr.BadArg, "pathname.ValidateXattrName")
	}

	if len(norm.NFC.String(name)) > MaxNameBytes {
		return ltfserr.New(ltfserr.NameTooLong, "pathname.ValidateXattrName")
	}

	return nil
}
