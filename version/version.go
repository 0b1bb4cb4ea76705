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

// Package version maps room versions onto the rule tweaks that apply to
// them, so that the rest of the engine never needs to branch on version
// numbers directly.
package version

import (
	"fmt"
)

// RoomVersion is a room version identifier, e.g. "9".
type RoomVersion string

// Room versions.
const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
	RoomVersionV12 RoomVersion = "12"
)

// AuthorizationRules are the tweaks in the authorization rules for a
// room version. A value is constructed once per authorization check and
// never mutated.
type AuthorizationRules struct {
	// SpecialCaseRoomRedaction applies the v1/v2 rules for
	// m.room.redaction events, disabled since room version 3.
	SpecialCaseRoomRedaction bool

	// SpecialCaseRoomAliases applies the v1-v5 rules for m.room.aliases
	// events, disabled since room version 6.
	SpecialCaseRoomAliases bool

	// LimitNotificationsPowerLevels checks the "notifications" field of
	// m.room.power_levels events, introduced in room version 6.
	LimitNotificationsPowerLevels bool

	// Knocking allows the "knock" membership and the "knock" join rule,
	// introduced in room version 7.
	Knocking bool

	// RestrictedJoinRule allows the "restricted" join rule, introduced
	// in room version 8.
	RestrictedJoinRule bool

	// KnockRestrictedJoinRule allows the "knock_restricted" join rule,
	// introduced in room version 10.
	KnockRestrictedJoinRule bool

	// IntegerPowerLevels requires values in m.room.power_levels events
	// to be integers rather than integers-in-strings, introduced in
	// room version 10.
	IntegerPowerLevels bool

	// ExplicitRoomCreator determines the room creator from the
	// "creator" field of the m.room.create event content. Disabled
	// since room version 11, where the create event's sender is
	// authoritative and the content field is ignored.
	ExplicitRoomCreator bool

	// ContentFieldRedacts reads the event an m.room.redaction event
	// redacts from the "redacts" field of its content rather than from
	// the top-level field, introduced in room version 11.
	ContentFieldRedacts bool

	// ExplicitlyPrivilegeRoomCreators gives room creators a power level
	// above any expressible integer, introduced in room version 12.
	ExplicitlyPrivilegeRoomCreators bool

	// AdditionalRoomCreators allows extra creators to be declared in
	// the "additional_creators" field of the m.room.create event
	// content, introduced in room version 12.
	AdditionalRoomCreators bool

	// RoomCreateEventIDAsRoomID derives the room ID from the event ID
	// of the m.room.create event, so create events no longer carry a
	// room ID with a server name, introduced in room version 12.
	RoomCreateEventIDAsRoomID bool
}

var authorizationRulesV1 = AuthorizationRules{
	SpecialCaseRoomRedaction: true,
	SpecialCaseRoomAliases:   true,
	ExplicitRoomCreator:      true,
}

var authorizationRulesV3 = withTweaks(authorizationRulesV1, func(r *AuthorizationRules) {
	r.SpecialCaseRoomRedaction = false
})

var authorizationRulesV6 = withTweaks(authorizationRulesV3, func(r *AuthorizationRules) {
	r.SpecialCaseRoomAliases = false
	r.LimitNotificationsPowerLevels = true
})

var authorizationRulesV7 = withTweaks(authorizationRulesV6, func(r *AuthorizationRules) {
	r.Knocking = true
})

var authorizationRulesV8 = withTweaks(authorizationRulesV7, func(r *AuthorizationRules) {
	r.RestrictedJoinRule = true
})

var authorizationRulesV10 = withTweaks(authorizationRulesV8, func(r *AuthorizationRules) {
	r.KnockRestrictedJoinRule = true
	r.IntegerPowerLevels = true
})

var authorizationRulesV11 = withTweaks(authorizationRulesV10, func(r *AuthorizationRules) {
	r.ExplicitRoomCreator = false
	r.ContentFieldRedacts = true
})

var authorizationRulesV12 = withTweaks(authorizationRulesV11, func(r *AuthorizationRules) {
	r.ExplicitlyPrivilegeRoomCreators = true
	r.AdditionalRoomCreators = true
	r.RoomCreateEventIDAsRoomID = true
})

func withTweaks(base AuthorizationRules, tweak func(*AuthorizationRules)) AuthorizationRules {
	tweak(&base)
	return base
}

var authorizationRules = map[RoomVersion]AuthorizationRules{
	RoomVersionV1:  authorizationRulesV1,
	RoomVersionV2:  authorizationRulesV1,
	RoomVersionV3:  authorizationRulesV3,
	RoomVersionV4:  authorizationRulesV3,
	RoomVersionV5:  authorizationRulesV3,
	RoomVersionV6:  authorizationRulesV6,
	RoomVersionV7:  authorizationRulesV7,
	RoomVersionV8:  authorizationRulesV8,
	RoomVersionV9:  authorizationRulesV8,
	RoomVersionV10: authorizationRulesV10,
	RoomVersionV11: authorizationRulesV11,
	RoomVersionV12: authorizationRulesV12,
}

// DefaultRoomVersion contains the room version that will, by default,
// be used to create new rooms.
func DefaultRoomVersion() RoomVersion {
	return RoomVersionV10
}

// SupportedRoomVersions returns the set of room versions that this
// engine knows authorization rules for.
func SupportedRoomVersions() map[RoomVersion]struct{} {
	supported := make(map[RoomVersion]struct{}, len(authorizationRules))
	for v := range authorizationRules {
		supported[v] = struct{}{}
	}
	return supported
}

// AuthorizationRulesForVersion returns the authorization rule tweaks
// for a specific room version. An UnknownVersionError is returned if
// the version is not known, there is no silent fallback: authorizing
// an event against guessed rules would break consensus with the rest
// of the federation.
func AuthorizationRulesForVersion(v RoomVersion) (AuthorizationRules, error) {
	rules, ok := authorizationRules[v]
	if !ok {
		return AuthorizationRules{}, UnknownVersionError{v}
	}
	return rules, nil
}

// UnknownVersionError is returned when the room version is not known.
type UnknownVersionError struct {
	Version RoomVersion
}

func (e UnknownVersionError) Error() string {
	return fmt.Sprintf("room version '%s' is not known", e.Version)
}
