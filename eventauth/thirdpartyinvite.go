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
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/roomauth/spec"
)

// A ThirdPartyInvite is the parsed "signed" payload inside the
// "third_party_invite" content of an invite m.room.member event. Every
// accessor fails with a descriptive error if its required sub-field is
// absent or of the wrong JSON type.
type ThirdPartyInvite struct {
	signed gjson.Result
}

// Token returns the token identifying the m.room.third_party_invite
// state event that this invite redeems.
func (t *ThirdPartyInvite) Token() (string, error) {
	value := t.signed.Get("token")
	if !value.Exists() {
		return "", fmt.Errorf("missing `token` field in `third_party_invite.signed` of `m.room.member` event")
	}
	if value.Type != gjson.String {
		return "", fmt.Errorf("unexpected format of `token` field in `third_party_invite.signed` of `m.room.member` event: expected string, got %s", value.Raw)
	}
	return value.Str, nil
}

// MXID returns the Matrix ID of the user that was invited.
func (t *ThirdPartyInvite) MXID() (string, error) {
	value := t.signed.Get("mxid")
	if !value.Exists() {
		return "", fmt.Errorf("missing `mxid` field in `third_party_invite.signed` of `m.room.member` event")
	}
	if value.Type != gjson.String {
		return "", fmt.Errorf("unexpected format of `mxid` field in `third_party_invite.signed` of `m.room.member` event: expected string, got %s", value.Raw)
	}
	return value.Str, nil
}

// Signatures returns the signatures over the signed payload, a map of
// server name to key ID to signature.
func (t *ThirdPartyInvite) Signatures() (gjson.Result, error) {
	value := t.signed.Get("signatures")
	if !value.Exists() {
		return gjson.Result{}, fmt.Errorf("missing `signatures` field in `third_party_invite.signed` of `m.room.member` event")
	}
	if !value.IsObject() {
		return gjson.Result{}, fmt.Errorf("unexpected format of `signatures` field in `third_party_invite.signed` of `m.room.member` event: expected object, got %s", value.Raw)
	}
	return value, nil
}

// SignedCanonicalJSON returns the canonical JSON encoding of the signed
// payload with the "signatures" and "unsigned" fields removed, which is
// the message the identity server's signatures cover.
func (t *ThirdPartyInvite) SignedCanonicalJSON() ([]byte, error) {
	raw := t.signed.Raw
	var err error
	for _, field := range []string{"signatures", "unsigned"} {
		if raw, err = sjson.Delete(raw, field); err != nil {
			return nil, errors.Wrap(err, "invalid `third_party_invite.signed` field in `m.room.member` event")
		}
	}
	canonical, err := CanonicalJSON([]byte(raw))
	if err != nil {
		return nil, errors.Wrap(err, "invalid `third_party_invite.signed` field in `m.room.member` event")
	}
	return canonical, nil
}

// A JSONVerifier checks a signature over a canonical JSON message. It
// is the engine's port onto the upstream cryptographic service; the
// third-party-invite check is its only consumer.
type JSONVerifier interface {
	// VerifyCanonicalJSON returns nil if the signature over the message
	// verifies against the public key using the given algorithm.
	VerifyCanonicalJSON(algorithm string, publicKey, signature spec.Base64Bytes, message []byte) error
}

// Ed25519Verifier verifies ed25519 signatures. It is the verifier used
// when the caller does not supply one.
type Ed25519Verifier struct{}

// Ed25519 is the only signing algorithm the specification defines for
// third-party invites.
const algorithmEd25519 = "ed25519"

// VerifyCanonicalJSON implements JSONVerifier.
func (Ed25519Verifier) VerifyCanonicalJSON(algorithm string, publicKey, signature spec.Base64Bytes, message []byte) error {
	if algorithm != algorithmEd25519 {
		return errors.Errorf("unsupported signature algorithm %q", algorithm)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return errors.Errorf("bad ed25519 public key length %d", len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return errors.Errorf("bad ed25519 signature length %d", len(signature))
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return errors.New("bad signature")
	}
	return nil
}

// verifyThirdPartyInviteSignatures checks that at least one signature
// on the signed payload verifies against at least one public key the
// m.room.third_party_invite event lists. Unparseable signature or key
// entries are skipped, not fatal, to tolerate forward-compatible
// fields.
func verifyThirdPartyInviteSignatures(
	invite *ThirdPartyInvite,
	inviteStateEvent ThirdPartyInviteEvent,
	verifier JSONVerifier,
) error {
	signatures, err := invite.Signatures()
	if err != nil {
		return err
	}
	message, err := invite.SignedCanonicalJSON()
	if err != nil {
		return err
	}
	publicKeys := inviteStateEvent.PublicKeys()

	verified := false
	signatures.ForEach(func(_, keySignatures gjson.Result) bool {
		if !keySignatures.IsObject() {
			return true
		}
		keySignatures.ForEach(func(keyID, value gjson.Result) bool {
			// The algorithm is the part of the key ID before ":",
			// e.g. "ed25519:0".
			algorithm, _, found := strings.Cut(keyID.Str, ":")
			if !found || value.Type != gjson.String {
				return true
			}
			var signature spec.Base64Bytes
			if err := signature.Decode(value.Str); err != nil {
				return true
			}
			for _, publicKey := range publicKeys {
				if verifier.VerifyCanonicalJSON(algorithm, publicKey, signature, message) == nil {
					verified = true
					return false
				}
			}
			return true
		})
		return !verified
	})

	if !verified {
		return fmt.Errorf("no signature in `third_party_invite.signed` matches a public key of the `m.room.third_party_invite` event")
	}
	return nil
}
