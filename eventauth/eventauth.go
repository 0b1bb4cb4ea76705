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

// Package eventauth implements the Matrix event authorization rules:
// the per-event decision of whether a room event is allowed given the
// state it claims to be authorized against.
//
// The checks are split the same way the federation performs them:
// CheckStateIndependent runs once when an event is received and
// validates the event's auth_events selection, CheckStateDependent runs
// against a state snapshot and applies the per-event-type rules. Both
// are pure functions: the engine holds no state between calls and
// checks for different events may run concurrently.
package eventauth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/roomauth/spec"
	"github.com/matrix-org/roomauth/version"
)

// A StateTuple identifies a piece of room state by event type and state
// key.
type StateTuple struct {
	EventType string
	StateKey  string
}

// AuthTypesForEvent returns the set of state tuples that are required
// to authorize an event of the given type, per the auth events
// selection algorithm. The m.room.create event needs no auth events. An
// error is returned if the content does not respect the expected format
// for the event type.
func AuthTypesForEvent(
	eventType, sender string,
	stateKey *string,
	content []byte,
	rules version.AuthorizationRules,
) ([]StateTuple, error) {
	if eventType == spec.MRoomCreate {
		return nil, nil
	}

	// Every other event is authorized by the create event, the current
	// power levels and the sender's membership.
	authTypes := []StateTuple{
		{spec.MRoomPowerLevels, ""},
		{spec.MRoomMember, sender},
		{spec.MRoomCreate, ""},
	}
	if eventType != spec.MRoomMember {
		return authTypes, nil
	}

	appendTuple := func(tuple StateTuple) {
		for _, existing := range authTypes {
			if existing == tuple {
				return
			}
		}
		authTypes = append(authTypes, tuple)
	}

	if stateKey == nil {
		return nil, fmt.Errorf("missing `state_key` field for `m.room.member` event")
	}
	appendTuple(StateTuple{spec.MRoomMember, *stateKey})

	memberContent := MemberEvent{rawEvent{content: content}}
	membership, err := memberContent.Membership()
	if err != nil {
		return nil, err
	}

	// Joins, invites and knocks are gated on the join rules.
	switch membership {
	case spec.Join, spec.Invite, spec.Knock:
		appendTuple(StateTuple{spec.MRoomJoinRules, ""})
	}

	// A third-party invite is additionally authorized by the
	// m.room.third_party_invite event its token refers to.
	if membership == spec.Invite {
		thirdPartyInvite, err := memberContent.ThirdPartyInvite()
		if err != nil {
			return nil, err
		}
		if thirdPartyInvite != nil {
			token, err := thirdPartyInvite.Token()
			if err != nil {
				return nil, err
			}
			appendTuple(StateTuple{spec.MRoomThirdPartyInvite, token})
		}
	}

	// A restricted join is additionally authorized by the membership of
	// the user that vouched for it.
	if membership == spec.Join && rules.RestrictedJoinRule {
		authorisedVia, err := memberContent.JoinAuthorisedViaUsersServer()
		if err != nil {
			return nil, err
		}
		if authorisedVia != nil {
			appendTuple(StateTuple{spec.MRoomMember, authorisedVia.String()})
		}
	}

	return authTypes, nil
}

// rawEvent lets the typed content views run over bare content, for
// callers that only have the event's fields rather than an Event.
type rawEvent struct {
	Event
	content []byte
}

func (e rawEvent) Content() []byte { return e.content }

// CheckStateIndependent checks whether the incoming event passes the
// authorization rules that do not depend on room state: the structural
// rules for m.room.create events, and the auth_events selection rules
// for everything else. It only needs to run once, when the event is
// received. fetchEvent resolves an event ID to the event it identifies,
// returning nil for unknown IDs.
func CheckStateIndependent(
	rules version.AuthorizationRules,
	event Event,
	fetchEvent func(eventID string) Event,
) error {
	logrus.WithField("event_id", event.EventID()).Debug("starting state-independent auth check")

	if event.Type() == spec.MRoomCreate {
		return checkRoomCreate(CreateEvent{event}, rules)
	}

	expected, err := AuthTypesForEvent(event.Type(), event.Sender(), event.StateKey(), event.Content(), rules)
	if err != nil {
		return err
	}
	expectedSet := make(map[StateTuple]struct{}, len(expected))
	for _, tuple := range expected {
		expectedSet[tuple] = struct{}{}
	}

	seen := make(map[StateTuple]struct{}, len(expected))
	for _, authEventID := range event.AuthEventIDs() {
		authEvent := fetchEvent(authEventID)
		if authEvent == nil {
			return fmt.Errorf("failed to find auth event %s", authEventID)
		}
		if authEvent.RoomID() != event.RoomID() {
			return fmt.Errorf("auth event %s not in the same room", authEventID)
		}
		stateKey := authEvent.StateKey()
		if stateKey == nil {
			return fmt.Errorf("auth event %s has no `state_key`", authEventID)
		}
		tuple := StateTuple{authEvent.Type(), *stateKey}
		if _, ok := seen[tuple]; ok {
			return fmt.Errorf("duplicate auth event %s for (%s, %s) pair", authEventID, tuple.EventType, tuple.StateKey)
		}
		if _, ok := expectedSet[tuple]; !ok {
			return fmt.Errorf("unexpected auth event %s with (%s, %s) pair", authEventID, tuple.EventType, tuple.StateKey)
		}
		if authEvent.Rejected() {
			return fmt.Errorf("rejected auth event %s", authEventID)
		}
		seen[tuple] = struct{}{}
	}

	if _, ok := seen[StateTuple{spec.MRoomCreate, ""}]; !ok {
		return fmt.Errorf("no `m.room.create` event in auth events")
	}
	return nil
}

// CheckStateDependent checks whether the incoming event passes the
// authorization rules against the given state snapshot. create is the
// room's m.room.create event, pre-resolved by the caller. verifier is
// used only for third-party invites; pass nil to verify with ed25519.
//
// A nil return means the event is authorized. A non-nil return carries
// a human-readable description of the first rule that failed; checks
// run in specification order, so the message is stable.
func CheckStateDependent(
	rules version.AuthorizationRules,
	event Event,
	create Event,
	state StateProvider,
	verifier JSONVerifier,
) error {
	log := logrus.WithField("event_id", event.EventID())
	log.Debug("starting state-dependent auth check")

	if verifier == nil {
		verifier = Ed25519Verifier{}
	}

	// There are no state-dependent rules for create events.
	if event.Type() == spec.MRoomCreate {
		log.Debug("allowing `m.room.create` event")
		return nil
	}

	if create == nil {
		return fmt.Errorf("no `m.room.create` event in current state")
	}
	createEvent := CreateEvent{create}

	sender, err := spec.NewUserID(event.Sender())
	if err != nil {
		return fmt.Errorf("invalid `sender` field: %v", err)
	}

	// A non-federating room only accepts events from the create event's
	// server.
	federate, err := createEvent.Federate()
	if err != nil {
		return err
	}
	if !federate {
		createSender, err := spec.NewUserID(createEvent.Sender())
		if err != nil {
			return fmt.Errorf("invalid `sender` field in `m.room.create` event: %v", err)
		}
		if createSender.Domain() != sender.Domain() {
			return fmt.Errorf("room is not federated and event's sender domain does not match `m.room.create` event's sender domain")
		}
	}

	if rules.SpecialCaseRoomAliases && event.Type() == spec.MRoomAliases {
		log.Debug("starting m.room.aliases check")
		if event.StateKey() == nil || *event.StateKey() != string(sender.Domain()) {
			return fmt.Errorf("server name of the `state_key` of `m.room.aliases` event does not match the server name of the sender")
		}
		log.Debug("`m.room.aliases` event was allowed")
		return nil
	}

	if event.Type() == spec.MRoomMember {
		return checkRoomMember(MemberEvent{event}, rules, createEvent, state, verifier)
	}

	senderMembership, err := state.userMembership(sender.String())
	if err != nil {
		return err
	}
	if senderMembership != spec.Join {
		return fmt.Errorf("sender's membership is not `join`")
	}

	creators, err := createEvent.Creators(rules)
	if err != nil {
		return err
	}
	powerLevels := state.powerLevelsEvent()
	senderLevel, err := powerLevels.UserPowerLevel(sender.String(), creators, rules)
	if err != nil {
		return err
	}

	if event.Type() == spec.MRoomThirdPartyInvite {
		inviteLevel, err := powerLevels.IntFieldOrDefault(PowerLevelInvite, rules)
		if err != nil {
			return err
		}
		if senderLevel < inviteLevel {
			return fmt.Errorf("sender does not have enough power to send invites in this room")
		}
		log.Debug("`m.room.third_party_invite` event was allowed")
		return nil
	}

	eventTypeLevel, err := powerLevels.EventPowerLevel(event.Type(), event.StateKey(), rules)
	if err != nil {
		return err
	}
	if senderLevel < eventTypeLevel {
		return fmt.Errorf("sender does not have enough power to send event of type `%s`", event.Type())
	}

	// A state key that looks like a user ID is reserved for that user.
	if stateKey := event.StateKey(); stateKey != nil && len(*stateKey) > 0 && (*stateKey)[0] == '@' && *stateKey != sender.String() {
		return fmt.Errorf("sender cannot send event with `state_key` matching another user's ID")
	}

	if event.Type() == spec.MRoomPowerLevels {
		return checkRoomPowerLevels(PowerLevelsEvent{event}, powerLevels, rules, senderLevel)
	}

	if rules.SpecialCaseRoomRedaction && event.Type() == spec.MRoomRedaction {
		return checkRoomRedaction(event, powerLevels, rules, senderLevel)
	}

	log.Debug("allowing event, passed all checks")
	return nil
}

// checkRoomCreate checks the structural rules for m.room.create events.
func checkRoomCreate(event CreateEvent, rules version.AuthorizationRules) error {
	logrus.WithField("event_id", event.EventID()).Debug("starting m.room.create check")

	if len(event.PrevEventIDs()) > 0 {
		return fmt.Errorf("`m.room.create` event cannot have previous events")
	}

	// Before room IDs were derived from the create event ID, the room
	// ID carried a server name which had to match the sender's.
	if !rules.RoomCreateEventIDAsRoomID {
		sender, err := spec.NewUserID(event.Sender())
		if err != nil {
			return fmt.Errorf("invalid `sender` field in `m.room.create` event: %v", err)
		}
		_, roomDomain, found := strings.Cut(event.RoomID(), ":")
		if !found || roomDomain == "" {
			return fmt.Errorf("invalid `room_id` field in `m.room.create` event: could not parse server name")
		}
		if roomDomain != string(sender.Domain()) {
			return fmt.Errorf("invalid `room_id` field in `m.room.create` event: server name does not match sender's server name")
		}
	}

	// A declared room version must be one we recognize.
	if roomVersion, err := event.RoomVersion(); err != nil {
		return err
	} else if _, err := version.AuthorizationRulesForVersion(roomVersion); err != nil {
		return fmt.Errorf("invalid `room_version` field in `m.room.create` event: %v", err)
	}

	if rules.ExplicitRoomCreator && !event.HasCreator() {
		return fmt.Errorf("missing `creator` field in `m.room.create` event")
	}

	logrus.WithField("event_id", event.EventID()).Debug("`m.room.create` event was allowed")
	return nil
}

// checkRoomPowerLevels checks an m.room.power_levels event against the
// current one: no sender may raise any level above their own, or touch
// a level at or above their own.
func checkRoomPowerLevels(
	event PowerLevelsEvent,
	current *PowerLevelsEvent,
	rules version.AuthorizationRules,
	senderLevel int64,
) error {
	logrus.WithField("event_id", event.EventID()).Debug("starting m.room.power_levels check")

	// Validate the shape of every field first, in content order:
	// single-integer fields, then events and notifications, then users.
	newIntFields, err := event.intFieldsMap(rules)
	if err != nil {
		return err
	}
	newEvents, err := event.Events(rules)
	if err != nil {
		return err
	}
	newNotifications, err := event.Notifications(rules)
	if err != nil {
		return err
	}
	newUsers, err := event.Users(rules)
	if err != nil {
		return err
	}

	// The first power levels event in a room is allowed.
	if current == nil {
		logrus.WithField("event_id", event.EventID()).Debug("initial m.room.power_levels event allowed")
		return nil
	}

	for _, field := range powerLevelIntFields {
		currentLevel, currentPresent, err := current.IntField(field, rules)
		if err != nil {
			return err
		}
		newLevel, newPresent := newIntFields[field]
		if currentPresent == newPresent && currentLevel == newLevel {
			continue
		}
		if !currentPresent {
			currentLevel = powerLevelDefault(field)
		}
		if !newPresent {
			newLevel = powerLevelDefault(field)
		}
		if currentLevel > senderLevel || newLevel > senderLevel {
			return fmt.Errorf("sender does not have enough power to change the power level of `%s`", field)
		}
	}

	currentEvents, err := current.Events(rules)
	if err != nil {
		return err
	}
	if err := checkPowerLevelMaps(currentEvents, newEvents, senderLevel,
		func(_ string, currentLevel int64) bool {
			return currentLevel > senderLevel
		},
		func(eventType string) string {
			return fmt.Sprintf("sender does not have enough power to change the `%s` event type power level", eventType)
		},
	); err != nil {
		return err
	}

	if rules.LimitNotificationsPowerLevels {
		currentNotifications, err := current.Notifications(rules)
		if err != nil {
			return err
		}
		if err := checkPowerLevelMaps(currentNotifications, newNotifications, senderLevel,
			func(_ string, currentLevel int64) bool {
				return currentLevel > senderLevel
			},
			func(key string) string {
				return fmt.Sprintf("sender does not have enough power to change the `%s` notification power level", key)
			},
		); err != nil {
			return err
		}
	}

	currentUsers, err := current.Users(rules)
	if err != nil {
		return err
	}
	if err := checkPowerLevelMaps(currentUsers, newUsers, senderLevel,
		func(userID string, currentLevel int64) bool {
			// A user may always change their own entry; anyone else's
			// entry must be strictly below the sender's level.
			return userID != event.Sender() && currentLevel >= senderLevel
		},
		func(userID string) string {
			return fmt.Sprintf("sender does not have enough power to change `%s`'s power level", userID)
		},
	); err != nil {
		return err
	}

	logrus.WithField("event_id", event.EventID()).Debug("m.room.power_levels event allowed")
	return nil
}

// checkPowerLevelMaps walks the union of keys in the current and new
// power level maps. For every entry that changed, rejectCurrent decides
// whether the change is allowed given the entry's current value, and
// the new value must not exceed the sender's level.
func checkPowerLevelMaps(
	current, updated map[string]int64,
	senderLevel int64,
	rejectCurrent func(key string, currentLevel int64) bool,
	errorMessage func(key string) string,
) error {
	keySet := make(map[string]struct{}, len(current)+len(updated))
	for key := range current {
		keySet[key] = struct{}{}
	}
	for key := range updated {
		keySet[key] = struct{}{}
	}
	// Walk the keys in a stable order so that the first failing entry,
	// and with it the error message, is deterministic.
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		currentLevel, currentPresent := current[key]
		newLevel, newPresent := updated[key]
		if currentPresent == newPresent && currentLevel == newLevel {
			continue
		}
		// Changed or removed entries are checked against the current
		// value, added or changed entries against the new value.
		if currentPresent && rejectCurrent(key, currentLevel) {
			return fmt.Errorf("%s", errorMessage(key))
		}
		if newPresent && newLevel > senderLevel {
			return fmt.Errorf("%s", errorMessage(key))
		}
	}
	return nil
}

// redactsTarget returns the ID of the event the given m.room.redaction
// event redacts, reading the authoritative field for the room version.
func redactsTarget(event Event, rules version.AuthorizationRules) string {
	if rules.ContentFieldRedacts {
		return gjson.GetBytes(event.Content(), "redacts").Str
	}
	return event.Redacts()
}

// checkRoomRedaction applies the v1/v2 rules for m.room.redaction
// events: allow if the sender has the redact level, or if the redacted
// event comes from the sender's own server.
func checkRoomRedaction(
	event Event,
	powerLevels *PowerLevelsEvent,
	rules version.AuthorizationRules,
	senderLevel int64,
) error {
	redactLevel, err := powerLevels.IntFieldOrDefault(PowerLevelRedact, rules)
	if err != nil {
		return err
	}
	if senderLevel >= redactLevel {
		logrus.WithField("event_id", event.EventID()).Debug("`m.room.redaction` event allowed via power levels")
		return nil
	}

	// v1 event IDs are "$localpart:servername": the redaction is
	// allowed if both events come from the same server.
	if domain := eventIDDomain(event.EventID()); domain != "" && domain == eventIDDomain(redactsTarget(event, rules)) {
		logrus.WithField("event_id", event.EventID()).Debug("`m.room.redaction` event allowed via room version 1 rules")
		return nil
	}

	return fmt.Errorf("`m.room.redaction` event did not pass any of the allow rules")
}

func eventIDDomain(eventID string) string {
	for i := 0; i < len(eventID); i++ {
		if eventID[i] == ':' {
			return eventID[i+1:]
		}
	}
	return ""
}
