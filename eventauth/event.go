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

	"github.com/tidwall/gjson"

	"github.com/matrix-org/roomauth/spec"
	"github.com/matrix-org/roomauth/version"
)

// Event is the read-only view of a room event that the authorization
// engine needs. The engine never assumes a concrete storage
// representation: callers can implement it over database rows,
// in-memory structs or raw federation JSON alike.
type Event interface {
	// EventID returns the ID of the event.
	EventID() string
	// Sender returns the user ID of the event sender.
	Sender() string
	// RoomID returns the ID of the room the event belongs to.
	RoomID() string
	// Type returns the event type, e.g. "m.room.member".
	Type() string
	// StateKey returns the state key of the event, or nil if the event
	// is not a state event.
	StateKey() *string
	// Content returns the raw JSON content of the event.
	Content() []byte
	// PrevEventIDs returns the IDs of the event's causal predecessors.
	PrevEventIDs() []string
	// AuthEventIDs returns the IDs of the events that license this one.
	AuthEventIDs() []string
	// Redacts returns the ID of the event this event redacts, taken
	// from the top-level "redacts" field, or "" if there is none.
	Redacts() string
	// Rejected reports whether the event failed the checks performed on
	// receipt of a PDU.
	Rejected() bool
}

// A StateProvider returns the current state event with the given type
// and state key, or nil if the room state contains no such event. It is
// supplied by the caller and must present an unchanging view of the
// room state for the duration of one authorization check.
type StateProvider func(eventType, stateKey string) Event

// memberEvent returns the m.room.member event for the given user from
// the current state, or nil.
func (s StateProvider) memberEvent(userID string) Event {
	return s(spec.MRoomMember, userID)
}

// userMembership returns the current membership of the given user,
// defaulting to "leave" if the user has no m.room.member event.
func (s StateProvider) userMembership(userID string) (string, error) {
	event := s.memberEvent(userID)
	if event == nil {
		return spec.Leave, nil
	}
	return MemberEvent{event}.Membership()
}

// joinRule returns the current join rule of the room, defaulting to
// "invite" if the room has no m.room.join_rules event.
func (s StateProvider) joinRule() (string, error) {
	event := s(spec.MRoomJoinRules, "")
	if event == nil {
		return spec.JoinRuleInvite, nil
	}
	return JoinRulesEvent{event}.JoinRule()
}

// powerLevelsEvent returns the current m.room.power_levels event of the
// room, or nil if none was ever set.
func (s StateProvider) powerLevelsEvent() *PowerLevelsEvent {
	event := s(spec.MRoomPowerLevels, "")
	if event == nil {
		return nil
	}
	return &PowerLevelsEvent{event}
}

// A CreateEvent is a typed view of an m.room.create event. Fields are
// parsed lazily, when requested.
type CreateEvent struct {
	Event
}

// RoomVersion returns the declared room version, defaulting to "1" if
// the content has no "room_version" field. An error is returned if the
// field is present but not a string.
func (e CreateEvent) RoomVersion() (version.RoomVersion, error) {
	value := gjson.GetBytes(e.Content(), "room_version")
	if !value.Exists() {
		return version.RoomVersionV1, nil
	}
	if value.Type != gjson.String {
		return "", fmt.Errorf("invalid `room_version` field in `m.room.create` event: expected string, got %s", value.Raw)
	}
	return version.RoomVersion(value.Str), nil
}

// Federate returns whether the room federates, i.e. the value of the
// "m.federate" content field, defaulting to true.
func (e CreateEvent) Federate() (bool, error) {
	value := gjson.GetBytes(e.Content(), `m\.federate`)
	if !value.Exists() {
		return true, nil
	}
	if !value.IsBool() {
		return false, fmt.Errorf("invalid `m.federate` field in `m.room.create` event: expected boolean, got %s", value.Raw)
	}
	return value.Bool(), nil
}

// HasCreator reports whether the content has a "creator" field.
func (e CreateEvent) HasCreator() bool {
	return gjson.GetBytes(e.Content(), "creator").Exists()
}

// Creator returns the room creator: the "creator" content field where
// the room version uses it, the create event's sender otherwise.
func (e CreateEvent) Creator(rules version.AuthorizationRules) (*spec.UserID, error) {
	if !rules.ExplicitRoomCreator {
		creator, err := spec.NewUserID(e.Sender())
		if err != nil {
			return nil, fmt.Errorf("invalid `sender` field in `m.room.create` event: %v", err)
		}
		return creator, nil
	}
	value := gjson.GetBytes(e.Content(), "creator")
	if !value.Exists() {
		return nil, fmt.Errorf("missing `creator` field in `m.room.create` event")
	}
	if value.Type != gjson.String {
		return nil, fmt.Errorf("invalid `creator` field in `m.room.create` event: expected string, got %s", value.Raw)
	}
	creator, err := spec.NewUserID(value.Str)
	if err != nil {
		return nil, fmt.Errorf("invalid `creator` field in `m.room.create` event: %v", err)
	}
	return creator, nil
}

// Creators returns the set of room creators: the room creator plus any
// additional creators the room version allows to be declared in the
// "additional_creators" content field. Keys are full user IDs.
func (e CreateEvent) Creators(rules version.AuthorizationRules) (map[string]struct{}, error) {
	creator, err := e.Creator(rules)
	if err != nil {
		return nil, err
	}
	creators := map[string]struct{}{creator.String(): {}}
	if !rules.AdditionalRoomCreators {
		return creators, nil
	}
	value := gjson.GetBytes(e.Content(), "additional_creators")
	if !value.Exists() {
		return creators, nil
	}
	if !value.IsArray() {
		return nil, fmt.Errorf("invalid `additional_creators` field in `m.room.create` event: expected array, got %s", value.Raw)
	}
	var parseErr error
	value.ForEach(func(_, entry gjson.Result) bool {
		if entry.Type != gjson.String {
			parseErr = fmt.Errorf("invalid entry in `additional_creators` field of `m.room.create` event: expected string, got %s", entry.Raw)
			return false
		}
		userID, err := spec.NewUserID(entry.Str)
		if err != nil {
			parseErr = fmt.Errorf("invalid entry in `additional_creators` field of `m.room.create` event: %v", err)
			return false
		}
		creators[userID.String()] = struct{}{}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return creators, nil
}

// A MemberEvent is a typed view of an m.room.member event for one
// (room, target user) pair. Fields are parsed lazily, when requested.
type MemberEvent struct {
	Event
}

// Membership returns the value of the required "membership" content
// field.
func (e MemberEvent) Membership() (string, error) {
	value := gjson.GetBytes(e.Content(), "membership")
	if !value.Exists() || value.Type != gjson.String {
		return "", fmt.Errorf("missing or invalid `membership` field in `m.room.member` event")
	}
	return value.Str, nil
}

// JoinAuthorisedViaUsersServer returns the user that authorized a
// restricted join, or nil if the content has no such field.
func (e MemberEvent) JoinAuthorisedViaUsersServer() (*spec.UserID, error) {
	value := gjson.GetBytes(e.Content(), "join_authorised_via_users_server")
	if !value.Exists() {
		return nil, nil
	}
	if value.Type != gjson.String {
		return nil, fmt.Errorf("invalid `join_authorised_via_users_server` field in `m.room.member` event: expected string, got %s", value.Raw)
	}
	userID, err := spec.NewUserID(value.Str)
	if err != nil {
		return nil, fmt.Errorf("invalid `join_authorised_via_users_server` field in `m.room.member` event: %v", err)
	}
	return userID, nil
}

// ThirdPartyInvite returns the third-party invite details carried by an
// invite membership event, or nil if the content has no
// "third_party_invite" field.
func (e MemberEvent) ThirdPartyInvite() (*ThirdPartyInvite, error) {
	value := gjson.GetBytes(e.Content(), "third_party_invite")
	if !value.Exists() {
		return nil, nil
	}
	if !value.IsObject() {
		return nil, fmt.Errorf("invalid `third_party_invite` field in `m.room.member` event: expected object, got %s", value.Raw)
	}
	signed := value.Get("signed")
	if !signed.Exists() {
		return nil, fmt.Errorf("missing `signed` field in `third_party_invite` of `m.room.member` event")
	}
	if !signed.IsObject() {
		return nil, fmt.Errorf("invalid `signed` field in `third_party_invite` of `m.room.member` event: expected object, got %s", signed.Raw)
	}
	return &ThirdPartyInvite{signed: signed}, nil
}

// A JoinRulesEvent is a typed view of an m.room.join_rules event.
type JoinRulesEvent struct {
	Event
}

// JoinRule returns the value of the required "join_rule" content field.
func (e JoinRulesEvent) JoinRule() (string, error) {
	value := gjson.GetBytes(e.Content(), "join_rule")
	if !value.Exists() || value.Type != gjson.String {
		return "", fmt.Errorf("missing or invalid `join_rule` field in `m.room.join_rules` event")
	}
	return value.Str, nil
}

// A ThirdPartyInviteEvent is a typed view of an
// m.room.third_party_invite state event.
type ThirdPartyInviteEvent struct {
	Event
}

// PublicKeys returns every public key the event declares, from both the
// deprecated "public_key" field and the "public_keys" list. Entries
// that fail to decode are skipped rather than fatal, to tolerate
// forward-compatible fields.
func (e ThirdPartyInviteEvent) PublicKeys() []spec.Base64Bytes {
	var keys []spec.Base64Bytes
	appendKey := func(value gjson.Result) {
		if value.Type != gjson.String {
			return
		}
		var key spec.Base64Bytes
		if err := key.Decode(value.Str); err != nil {
			return
		}
		keys = append(keys, key)
	}
	appendKey(gjson.GetBytes(e.Content(), "public_key"))
	gjson.GetBytes(e.Content(), "public_keys").ForEach(func(_, entry gjson.Result) bool {
		appendKey(entry.Get("public_key"))
		return true
	})
	return keys
}
