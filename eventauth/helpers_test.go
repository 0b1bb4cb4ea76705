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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/roomauth/spec"
	"github.com/matrix-org/roomauth/version"
)

const (
	testRoomID = "!room:example.org"

	alice = "@alice:example.org"
	bob   = "@bob:example.org"
	carol = "@carol:example.org"
	eve   = "@eve:other.org"

	createEventID = "$create:example.org"
)

type testEvent struct {
	eventID    string
	sender     string
	roomID     string
	eventType  string
	stateKey   *string
	content    string
	prevEvents []string
	authEvents []string
	redacts    string
	rejected   bool
}

func (e *testEvent) EventID() string        { return e.eventID }
func (e *testEvent) Sender() string         { return e.sender }
func (e *testEvent) RoomID() string         { return e.roomID }
func (e *testEvent) Type() string           { return e.eventType }
func (e *testEvent) StateKey() *string      { return e.stateKey }
func (e *testEvent) Content() []byte        { return []byte(e.content) }
func (e *testEvent) PrevEventIDs() []string { return e.prevEvents }
func (e *testEvent) AuthEventIDs() []string { return e.authEvents }
func (e *testEvent) Redacts() string        { return e.redacts }
func (e *testEvent) Rejected() bool         { return e.rejected }

func strPtr(s string) *string { return &s }

// mustRules resolves the authorization rules for a room version.
func mustRules(t *testing.T, v version.RoomVersion) version.AuthorizationRules {
	t.Helper()
	rules, err := version.AuthorizationRulesForVersion(v)
	require.NoError(t, err)
	return rules
}

// newCreateEvent returns an m.room.create event for the given room
// version, with alice as the room creator.
func newCreateEvent(v version.RoomVersion) *testEvent {
	content := fmt.Sprintf(`{"creator":%q,"room_version":%q}`, alice, v)
	if v == version.RoomVersionV11 || v == version.RoomVersionV12 {
		content = fmt.Sprintf(`{"room_version":%q}`, v)
	}
	return &testEvent{
		eventID:   createEventID,
		sender:    alice,
		roomID:    testRoomID,
		eventType: spec.MRoomCreate,
		stateKey:  strPtr(""),
		content:   content,
	}
}

// newMemberEvent returns an m.room.member event. The previous events
// deliberately do not reference the create event, so the creator-join
// shortcut does not apply unless a test arranges it.
func newMemberEvent(sender, target, membership string) *testEvent {
	return &testEvent{
		eventID:    fmt.Sprintf("$member-%s-%s:example.org", target[1:len(target)-len(":example.org")], membership),
		sender:     sender,
		roomID:     testRoomID,
		eventType:  spec.MRoomMember,
		stateKey:   strPtr(target),
		content:    fmt.Sprintf(`{"membership":%q}`, membership),
		prevEvents: []string{"$prev:example.org"},
	}
}

// newJoinRulesEvent returns an m.room.join_rules event.
func newJoinRulesEvent(joinRule string) *testEvent {
	return &testEvent{
		eventID:   "$joinrules:example.org",
		sender:    alice,
		roomID:    testRoomID,
		eventType: spec.MRoomJoinRules,
		stateKey:  strPtr(""),
		content:   fmt.Sprintf(`{"join_rule":%q}`, joinRule),
	}
}

// newPowerLevelsEvent returns an m.room.power_levels event with the
// given raw content.
func newPowerLevelsEvent(content string) *testEvent {
	return &testEvent{
		eventID:   "$powerlevels:example.org",
		sender:    alice,
		roomID:    testRoomID,
		eventType: spec.MRoomPowerLevels,
		stateKey:  strPtr(""),
		content:   content,
	}
}

// stateFrom builds a StateProvider over the given state events.
func stateFrom(events ...*testEvent) StateProvider {
	state := map[StateTuple]Event{}
	for _, event := range events {
		if event.stateKey == nil {
			continue
		}
		state[StateTuple{event.eventType, *event.stateKey}] = event
	}
	return func(eventType, stateKey string) Event {
		event, ok := state[StateTuple{eventType, stateKey}]
		if !ok {
			return nil
		}
		return event
	}
}

// setContent sets a field in the event's JSON content.
func setContent(t *testing.T, event *testEvent, path string, value interface{}) *testEvent {
	t.Helper()
	content, err := sjson.Set(event.content, path, value)
	require.NoError(t, err)
	event.content = content
	return event
}

// delContent removes a field from the event's JSON content.
func delContent(t *testing.T, event *testEvent, path string) *testEvent {
	t.Helper()
	content, err := sjson.Delete(event.content, path)
	require.NoError(t, err)
	event.content = content
	return event
}
