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
	"math"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/roomauth/spec"
	"github.com/matrix-org/roomauth/version"
)

// defaultCreatorPowerLevel is the power level of the room creator in a
// room that has no m.room.power_levels event.
const defaultCreatorPowerLevel = 100

// infinitePowerLevel ranks room creators above any power level
// expressible in canonical JSON, for room versions that explicitly
// privilege creators. Regular power levels are bounded by
// maxCanonicalInt so the value can never be reached by event content.
const infinitePowerLevel = math.MaxInt64

// maxCanonicalInt is the largest integer allowed in canonical JSON,
// 2^53 - 1. Power levels outside [-maxCanonicalInt, maxCanonicalInt]
// are rejected, never wrapped.
const maxCanonicalInt = 1<<53 - 1

// Fields in the content of an m.room.power_levels event that hold a
// single integer.
const (
	PowerLevelUsersDefault  = "users_default"
	PowerLevelEventsDefault = "events_default"
	PowerLevelStateDefault  = "state_default"
	PowerLevelBan           = "ban"
	PowerLevelRedact        = "redact"
	PowerLevelKick          = "kick"
	PowerLevelInvite        = "invite"
)

// powerLevelIntFields lists every single-integer field, in the order
// the change checks walk them.
var powerLevelIntFields = []string{
	PowerLevelUsersDefault,
	PowerLevelEventsDefault,
	PowerLevelStateDefault,
	PowerLevelBan,
	PowerLevelRedact,
	PowerLevelKick,
	PowerLevelInvite,
}

// powerLevelDefault returns the documented default for a
// single-integer field that is absent from the content.
func powerLevelDefault(field string) int64 {
	switch field {
	case PowerLevelUsersDefault, PowerLevelEventsDefault, PowerLevelInvite:
		return 0
	default:
		return 50
	}
}

// parsePowerLevel parses a single power level value. From room version
// 10 the value must be a JSON integer; before that a string holding a
// base-10 integer is also accepted. Values outside the canonical JSON
// integer range are rejected.
func parsePowerLevel(field string, value gjson.Result, rules version.AuthorizationRules) (int64, error) {
	malformed := func() (int64, error) {
		return 0, fmt.Errorf("unexpected format of `%s` field in `content` of `m.room.power_levels` event: %s", field, value.Raw)
	}
	var raw string
	switch value.Type {
	case gjson.Number:
		raw = value.Raw
	case gjson.String:
		if rules.IntegerPowerLevels {
			return malformed()
		}
		raw = value.Str
	default:
		return malformed()
	}
	level, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return malformed()
	}
	if level > maxCanonicalInt || level < -maxCanonicalInt {
		return 0, fmt.Errorf("`%s` field in `content` of `m.room.power_levels` event is outside the canonical JSON integer range: %d", field, level)
	}
	return level, nil
}

// A PowerLevelsEvent is a typed view of an m.room.power_levels event.
// Fields are parsed lazily, when requested. Methods that model the
// defaulting behaviour of a room without power levels accept a nil
// receiver.
type PowerLevelsEvent struct {
	Event
}

// IntField returns the value of a single-integer content field, and
// whether the field is present.
func (e *PowerLevelsEvent) IntField(field string, rules version.AuthorizationRules) (int64, bool, error) {
	value := gjson.GetBytes(e.Content(), field)
	if !value.Exists() {
		return 0, false, nil
	}
	level, err := parsePowerLevel(field, value, rules)
	if err != nil {
		return 0, false, err
	}
	return level, true, nil
}

// IntFieldOrDefault returns the value of a single-integer content
// field, or its documented default if the field is absent or the whole
// event is absent (nil receiver).
func (e *PowerLevelsEvent) IntFieldOrDefault(field string, rules version.AuthorizationRules) (int64, error) {
	if e == nil {
		return powerLevelDefault(field), nil
	}
	level, ok, err := e.IntField(field, rules)
	if err != nil {
		return 0, err
	}
	if !ok {
		return powerLevelDefault(field), nil
	}
	return level, nil
}

// intMapField returns the value of a content field holding a map of
// strings to power levels, or nil if the field is absent.
func (e *PowerLevelsEvent) intMapField(field string, rules version.AuthorizationRules) (map[string]int64, error) {
	value := gjson.GetBytes(e.Content(), field)
	if !value.Exists() {
		return nil, nil
	}
	if !value.IsObject() {
		return nil, fmt.Errorf("unexpected format of `%s` field in `content` of `m.room.power_levels` event: expected object, got %s", field, value.Raw)
	}
	levels := map[string]int64{}
	var parseErr error
	value.ForEach(func(key, entry gjson.Result) bool {
		var level int64
		level, parseErr = parsePowerLevel(field, entry, rules)
		if parseErr != nil {
			return false
		}
		levels[key.Str] = level
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return levels, nil
}

// Events returns the per-event-type power levels, or nil if the content
// has no "events" field.
func (e *PowerLevelsEvent) Events(rules version.AuthorizationRules) (map[string]int64, error) {
	return e.intMapField("events", rules)
}

// Notifications returns the per-notification power levels, or nil if
// the content has no "notifications" field.
func (e *PowerLevelsEvent) Notifications(rules version.AuthorizationRules) (map[string]int64, error) {
	return e.intMapField("notifications", rules)
}

// Users returns the per-user power level overrides, or nil if the
// content has no "users" field. Keys must be valid user IDs.
func (e *PowerLevelsEvent) Users(rules version.AuthorizationRules) (map[string]int64, error) {
	users, err := e.intMapField("users", rules)
	if err != nil {
		return nil, err
	}
	for userID := range users {
		if _, err := spec.NewUserID(userID); err != nil {
			return nil, fmt.Errorf("invalid key in `users` field in `content` of `m.room.power_levels` event: %v", err)
		}
	}
	return users, nil
}

// intFieldsMap returns every single-integer field present in the
// content, keyed by field name.
func (e *PowerLevelsEvent) intFieldsMap(rules version.AuthorizationRules) (map[string]int64, error) {
	fields := map[string]int64{}
	for _, field := range powerLevelIntFields {
		level, ok, err := e.IntField(field, rules)
		if err != nil {
			return nil, err
		}
		if ok {
			fields[field] = level
		}
	}
	return fields, nil
}

// userPowerLevel returns the power level of the given user from the
// "users" override map, falling back to "users_default". The receiver
// must not be nil; UserPowerLevel handles the absent-event fallback.
func (e *PowerLevelsEvent) userPowerLevel(userID string, rules version.AuthorizationRules) (int64, error) {
	users, err := e.Users(rules)
	if err != nil {
		return 0, err
	}
	if level, ok := users[userID]; ok {
		return level, nil
	}
	return e.IntFieldOrDefault(PowerLevelUsersDefault, rules)
}

// EventPowerLevel returns the power level required to send an event of
// the given type: the per-type override if there is one, otherwise
// "state_default" for state events and "events_default" for others.
// A nil receiver yields the documented defaults.
func (e *PowerLevelsEvent) EventPowerLevel(eventType string, stateKey *string, rules version.AuthorizationRules) (int64, error) {
	if e != nil {
		events, err := e.Events(rules)
		if err != nil {
			return 0, err
		}
		if level, ok := events[eventType]; ok {
			return level, nil
		}
	}
	if stateKey != nil {
		return e.IntFieldOrDefault(PowerLevelStateDefault, rules)
	}
	return e.IntFieldOrDefault(PowerLevelEventsDefault, rules)
}

// UserPowerLevel returns the effective power level of the given user.
// Room creators rank above every integer where the room version
// explicitly privileges them. In a room without an
// m.room.power_levels event, creators get the documented creator
// default and everyone else the users default.
func (e *PowerLevelsEvent) UserPowerLevel(userID string, creators map[string]struct{}, rules version.AuthorizationRules) (int64, error) {
	_, isCreator := creators[userID]
	switch {
	case rules.ExplicitlyPrivilegeRoomCreators && isCreator:
		return infinitePowerLevel, nil
	case e != nil:
		return e.userPowerLevel(userID, rules)
	case isCreator:
		return defaultCreatorPowerLevel, nil
	default:
		return powerLevelDefault(PowerLevelUsersDefault), nil
	}
}
