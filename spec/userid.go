// Copyright 2020 The Matrix.org Foundation C.I.C.
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

package spec

import (
	"fmt"
	"strings"
)

// A ServerName is the name of a homeserver, i.e. the domain part of a
// Matrix identifier.
type ServerName string

// A UserID is a parsed Matrix user ID of the form "@localpart:domain".
type UserID struct {
	raw    string
	local  string
	domain ServerName
}

const userSigil = '@'

// maximumIDLength is the maximum length of a Matrix identifier in bytes.
const maximumIDLength = 255

// NewUserID parses the given string as a user ID. The localpart is not
// restricted to the historical grammar, since events received over
// federation may legitimately contain IDs that predate it.
func NewUserID(id string) (*UserID, error) {
	if len(id) > maximumIDLength {
		return nil, fmt.Errorf("user ID %q exceeds %d bytes", id, maximumIDLength)
	}
	if len(id) == 0 || id[0] != userSigil {
		return nil, fmt.Errorf("user ID %q does not start with '@'", id)
	}
	local, domain, found := strings.Cut(id[1:], ":")
	if !found || local == "" || domain == "" {
		return nil, fmt.Errorf("user ID %q is not of the form '@localpart:domain'", id)
	}
	return &UserID{raw: id, local: local, domain: ServerName(domain)}, nil
}

// String returns the full user ID.
func (u *UserID) String() string { return u.raw }

// Local returns the localpart of the user ID.
func (u *UserID) Local() string { return u.local }

// Domain returns the server name of the user ID.
func (u *UserID) Domain() ServerName { return u.domain }
