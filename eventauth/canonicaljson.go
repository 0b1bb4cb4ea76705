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

package eventauth

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// CanonicalJSON re-encodes the given JSON in the canonical form used
// for signing: object keys sorted lexicographically, no insignificant
// whitespace, shortest string encoding, and integers only, restricted
// to the range [-(2^53 - 1), 2^53 - 1].
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, gjson.ParseBytes(input)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value gjson.Result) error {
	switch {
	case value.IsObject():
		type member struct {
			key   string
			value gjson.Result
		}
		var members []member
		value.ForEach(func(key, entry gjson.Result) bool {
			members = append(members, member{key.Str, entry})
			return true
		})
		sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })
		buf.WriteByte('{')
		for i, m := range members {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, m.key)
			buf.WriteByte(':')
			if err := writeCanonical(buf, m.value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case value.IsArray():
		var err error
		buf.WriteByte('[')
		first := true
		value.ForEach(func(_, entry gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			err = writeCanonical(buf, entry)
			return err == nil
		})
		if err != nil {
			return err
		}
		buf.WriteByte(']')
	case value.Type == gjson.String:
		writeCanonicalString(buf, value.Str)
	case value.Type == gjson.Number:
		i, err := strconv.ParseInt(value.Raw, 10, 64)
		if err != nil {
			return fmt.Errorf("number %q is not a canonical JSON integer", value.Raw)
		}
		if i > maxCanonicalInt || i < -maxCanonicalInt {
			return fmt.Errorf("number %d is outside the canonical JSON integer range", i)
		}
		buf.WriteString(strconv.FormatInt(i, 10))
	case value.Type == gjson.True:
		buf.WriteString("true")
	case value.Type == gjson.False:
		buf.WriteString("false")
	default:
		buf.WriteString("null")
	}
	return nil
}

// writeCanonicalString writes the shortest JSON encoding of the given
// string: only the characters that must be escaped are.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
