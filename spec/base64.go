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
	"encoding/base64"
	"encoding/json"
	"strings"
)

// A Base64Bytes is a string of bytes that are base64 encoded when used
// in JSON. Matrix uses unpadded base64 throughout.
type Base64Bytes []byte

// Encode encodes the bytes as unpadded base64.
func (b64 Base64Bytes) Encode() string {
	return base64.RawStdEncoding.EncodeToString(b64)
}

// Decode decodes the given input into this Base64Bytes.
func (b64 *Base64Bytes) Decode(str string) error {
	// The input could have been encoded with the URL-safe alphabet,
	// pick the decoder accordingly.
	var err error
	if strings.ContainsAny(str, "-_") {
		*b64, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(str, "="))
	} else {
		*b64, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(str, "="))
	}
	return err
}

// MarshalJSON encodes the bytes as base64 and then encodes the base64
// as a JSON string. This takes a value receiver so that maps and slices
// of Base64Bytes encode correctly.
func (b64 Base64Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b64.Encode())
}

// UnmarshalJSON decodes a JSON string and then decodes the resulting
// base64. This takes a pointer receiver because it needs to write the
// result of decoding.
func (b64 *Base64Bytes) UnmarshalJSON(raw []byte) error {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return err
	}
	return b64.Decode(str)
}
