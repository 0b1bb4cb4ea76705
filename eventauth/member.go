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

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/roomauth/spec"
	"github.com/matrix-org/roomauth/version"
)

// checkRoomMember checks an m.room.member event: a state machine over
// the target membership value. This assumes the event's signatures were
// verified on receipt, as the restricted join rules depend on the event
// being validly signed by the authorizing user's server.
func checkRoomMember(
	event MemberEvent,
	rules version.AuthorizationRules,
	create CreateEvent,
	state StateProvider,
	verifier JSONVerifier,
) error {
	logrus.WithField("event_id", event.EventID()).Debug("starting m.room.member check")

	stateKey := event.StateKey()
	if stateKey == nil {
		return fmt.Errorf("missing `state_key` field in `m.room.member` event")
	}
	targetUser, err := spec.NewUserID(*stateKey)
	if err != nil {
		return fmt.Errorf("invalid `state_key` field in `m.room.member` event: %v", err)
	}

	targetMembership, err := event.Membership()
	if err != nil {
		return err
	}

	switch targetMembership {
	case spec.Join:
		return checkRoomMemberJoin(event, targetUser, rules, create, state)
	case spec.Invite:
		return checkRoomMemberInvite(event, targetUser, rules, state, verifier)
	case spec.Leave:
		return checkRoomMemberLeave(event, targetUser, rules, state)
	case spec.Ban:
		return checkRoomMemberBan(event, targetUser, rules, state)
	case spec.Knock:
		if rules.Knocking {
			return checkRoomMemberKnock(event, targetUser, rules, state)
		}
		fallthrough
	default:
		return fmt.Errorf("unknown membership")
	}
}

// checkRoomMemberJoin checks an m.room.member event with a membership
// of "join".
func checkRoomMemberJoin(
	event MemberEvent,
	targetUser *spec.UserID,
	rules version.AuthorizationRules,
	create CreateEvent,
	state StateProvider,
) error {
	// The room creator's initial join, the event directly following the
	// create event, is always allowed.
	prevEvents := event.PrevEventIDs()
	if len(prevEvents) == 1 && prevEvents[0] == create.EventID() {
		creators, err := create.Creators(rules)
		if err != nil {
			return err
		}
		if _, ok := creators[targetUser.String()]; ok {
			return nil
		}
	}

	if event.Sender() != targetUser.String() {
		return fmt.Errorf("sender of join event must match target user")
	}

	currentMembership, err := state.userMembership(targetUser.String())
	if err != nil {
		return err
	}
	if currentMembership == spec.Ban {
		return fmt.Errorf("banned user cannot join room")
	}

	joinRule, err := state.joinRule()
	if err != nil {
		return err
	}

	// An invited (or already joined) user can complete their join when
	// the join rule is invite, or knock where knocking is supported.
	if joinRule == spec.JoinRuleInvite || rules.Knocking && joinRule == spec.JoinRuleKnock {
		if currentMembership == spec.Invite || currentMembership == spec.Join {
			return nil
		}
	}

	if rules.RestrictedJoinRule && joinRule == spec.JoinRuleRestricted ||
		rules.KnockRestrictedJoinRule && joinRule == spec.JoinRuleKnockRestricted {
		if currentMembership == spec.Join || currentMembership == spec.Invite {
			return nil
		}

		// Otherwise the join must be vouched for by a joined user with
		// the power to invite.
		authorisedVia, err := event.JoinAuthorisedViaUsersServer()
		if err != nil {
			return err
		}
		if authorisedVia == nil {
			return fmt.Errorf("cannot join restricted room without `join_authorised_via_users_server` field if not invited")
		}

		authorisedViaMembership, err := state.userMembership(authorisedVia.String())
		if err != nil {
			return err
		}
		if authorisedViaMembership != spec.Join {
			return fmt.Errorf("`join_authorised_via_users_server` is not joined")
		}

		powerLevels := state.powerLevelsEvent()
		var authorisedViaLevel, inviteLevel int64
		if powerLevels != nil {
			if authorisedViaLevel, err = powerLevels.userPowerLevel(authorisedVia.String(), rules); err != nil {
				return err
			}
			if inviteLevel, err = powerLevels.IntFieldOrDefault(PowerLevelInvite, rules); err != nil {
				return err
			}
		}
		if authorisedViaLevel < inviteLevel {
			return fmt.Errorf("`join_authorised_via_users_server` does not have enough power")
		}
		return nil
	}

	if joinRule == spec.JoinRulePublic {
		return nil
	}
	return fmt.Errorf("cannot join a room that is not `public`")
}

// checkRoomMemberInvite checks an m.room.member event with a membership
// of "invite".
func checkRoomMemberInvite(
	event MemberEvent,
	targetUser *spec.UserID,
	rules version.AuthorizationRules,
	state StateProvider,
	verifier JSONVerifier,
) error {
	thirdPartyInvite, err := event.ThirdPartyInvite()
	if err != nil {
		return err
	}
	if thirdPartyInvite != nil {
		return checkThirdPartyInvite(event, thirdPartyInvite, targetUser, state, verifier)
	}

	senderMembership, err := state.userMembership(event.Sender())
	if err != nil {
		return err
	}
	if senderMembership != spec.Join {
		return fmt.Errorf("cannot invite user if sender is not joined")
	}

	targetMembership, err := state.userMembership(targetUser.String())
	if err != nil {
		return err
	}
	if targetMembership == spec.Join || targetMembership == spec.Ban {
		return fmt.Errorf("cannot invite user that is joined or banned")
	}

	powerLevels := state.powerLevelsEvent()
	senderLevel, err := powerLevels.UserPowerLevel(event.Sender(), nil, rules)
	if err != nil {
		return err
	}
	inviteLevel, err := powerLevels.IntFieldOrDefault(PowerLevelInvite, rules)
	if err != nil {
		return err
	}
	if senderLevel < inviteLevel {
		return fmt.Errorf("sender does not have enough power to invite")
	}
	return nil
}

// checkThirdPartyInvite checks an invite m.room.member event that
// redeems a third-party invite token.
func checkThirdPartyInvite(
	event MemberEvent,
	invite *ThirdPartyInvite,
	targetUser *spec.UserID,
	state StateProvider,
	verifier JSONVerifier,
) error {
	targetMembership, err := state.userMembership(targetUser.String())
	if err != nil {
		return err
	}
	if targetMembership == spec.Ban {
		return fmt.Errorf("cannot invite user that is banned")
	}

	token, err := invite.Token()
	if err != nil {
		return err
	}
	mxid, err := invite.MXID()
	if err != nil {
		return err
	}
	if mxid != targetUser.String() {
		return fmt.Errorf("third-party invite mxid does not match target user")
	}

	inviteStateEvent := state(spec.MRoomThirdPartyInvite, token)
	if inviteStateEvent == nil {
		return fmt.Errorf("no `m.room.third_party_invite` in room state matches the token")
	}
	if event.Sender() != inviteStateEvent.Sender() {
		return fmt.Errorf("sender of `m.room.third_party_invite` does not match sender of `m.room.member`")
	}

	return verifyThirdPartyInviteSignatures(invite, ThirdPartyInviteEvent{inviteStateEvent}, verifier)
}

// checkRoomMemberLeave checks an m.room.member event with a membership
// of "leave": either a user leaving on their own, or a kick.
func checkRoomMemberLeave(
	event MemberEvent,
	targetUser *spec.UserID,
	rules version.AuthorizationRules,
	state StateProvider,
) error {
	senderMembership, err := state.userMembership(event.Sender())
	if err != nil {
		return err
	}

	if event.Sender() == targetUser.String() {
		leaving := senderMembership == spec.Join || senderMembership == spec.Invite ||
			rules.Knocking && senderMembership == spec.Knock
		if !leaving {
			return fmt.Errorf("cannot leave if not joined, invited or knocked")
		}
		return nil
	}

	if senderMembership != spec.Join {
		return fmt.Errorf("cannot kick if sender is not joined")
	}

	targetMembership, err := state.userMembership(targetUser.String())
	if err != nil {
		return err
	}

	powerLevels := state.powerLevelsEvent()
	senderLevel, err := powerLevels.UserPowerLevel(event.Sender(), nil, rules)
	if err != nil {
		return err
	}

	// Kicking a banned user is an unban and needs the ban level too.
	if targetMembership == spec.Ban {
		banLevel, err := powerLevels.IntFieldOrDefault(PowerLevelBan, rules)
		if err != nil {
			return err
		}
		if senderLevel < banLevel {
			return fmt.Errorf("sender does not have enough power to unban")
		}
	}

	kickLevel, err := powerLevels.IntFieldOrDefault(PowerLevelKick, rules)
	if err != nil {
		return err
	}
	targetLevel, err := powerLevels.UserPowerLevel(targetUser.String(), nil, rules)
	if err != nil {
		return err
	}
	if senderLevel >= kickLevel && targetLevel < senderLevel {
		return nil
	}
	return fmt.Errorf("sender does not have enough power to kick target user")
}

// checkRoomMemberBan checks an m.room.member event with a membership of
// "ban".
func checkRoomMemberBan(
	event MemberEvent,
	targetUser *spec.UserID,
	rules version.AuthorizationRules,
	state StateProvider,
) error {
	senderMembership, err := state.userMembership(event.Sender())
	if err != nil {
		return err
	}
	if senderMembership != spec.Join {
		return fmt.Errorf("cannot ban if sender is not joined")
	}

	powerLevels := state.powerLevelsEvent()
	senderLevel, err := powerLevels.UserPowerLevel(event.Sender(), nil, rules)
	if err != nil {
		return err
	}
	banLevel, err := powerLevels.IntFieldOrDefault(PowerLevelBan, rules)
	if err != nil {
		return err
	}
	targetLevel, err := powerLevels.UserPowerLevel(targetUser.String(), nil, rules)
	if err != nil {
		return err
	}
	if senderLevel >= banLevel && targetLevel < senderLevel {
		return nil
	}
	return fmt.Errorf("sender does not have enough power to ban target user")
}

// checkRoomMemberKnock checks an m.room.member event with a membership
// of "knock". Only called where the room version supports knocking.
func checkRoomMemberKnock(
	event MemberEvent,
	targetUser *spec.UserID,
	rules version.AuthorizationRules,
	state StateProvider,
) error {
	joinRule, err := state.joinRule()
	if err != nil {
		return err
	}
	if joinRule != spec.JoinRuleKnock &&
		!(rules.KnockRestrictedJoinRule && joinRule == spec.JoinRuleKnockRestricted) {
		return fmt.Errorf("join rule is not set to knock or knock_restricted, knocking is not allowed")
	}

	if event.Sender() != targetUser.String() {
		return fmt.Errorf("cannot make another user knock, sender does not match target user")
	}

	senderMembership, err := state.userMembership(event.Sender())
	if err != nil {
		return err
	}
	if senderMembership == spec.Ban || senderMembership == spec.Invite || senderMembership == spec.Join {
		return fmt.Errorf("cannot knock if user is banned, invited or joined")
	}
	return nil
}
