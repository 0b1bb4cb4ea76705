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

// Package spec contains identifiers and constants from the Matrix
// specification that the authorization engine needs to refer to.
package spec

// Event types that have special-cased authorization rules.
const (
	MRoomCreate           = "m.room.create"
	MRoomJoinRules        = "m.room.join_rules"
	MRoomPowerLevels      = "m.room.power_levels"
	MRoomMember           = "m.room.member"
	MRoomThirdPartyInvite = "m.room.third_party_invite"
	MRoomAliases          = "m.room.aliases"
	MRoomRedaction        = "m.room.redaction"
)

// Membership values for the "membership" field of m.room.member events.
// Any other value is unknown and events carrying one are rejected.
const (
	Join   = "join"
	Invite = "invite"
	Leave  = "leave"
	Ban    = "ban"
	Knock  = "knock"
)

// Join rules for the "join_rule" field of m.room.join_rules events.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
)
