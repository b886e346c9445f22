package raftpb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryMarshalRoundTrip(t *testing.T) {
	e := &Entry{Term: 3, Index: 7, Type: EntryConfChange, Data: []byte("payload"), RefCount: 2, Cookie: 77, IsWeak: true}
	buf, err := e.Marshal()
	require.NoError(t, err)

	var got Entry
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, *e, got)
}

func TestEntryMarshalEmpty(t *testing.T) {
	e := &Entry{}
	buf, err := e.Marshal()
	require.NoError(t, err)

	var got Entry
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, *e, got)
}

func TestConfStateMarshalRoundTrip(t *testing.T) {
	cs := &ConfState{
		Voters:         []NodeId{1, 2, 3},
		Learners:       []NodeId{4},
		VotersOutgoing: []NodeId{1, 2},
		LearnersNext:   []NodeId{5},
		AutoLeave:      true,
	}
	buf, err := cs.Marshal()
	require.NoError(t, err)

	var got ConfState
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, *cs, got)
	require.True(t, got.IsJoint())
}

func TestConfStateIsJointFalseWhenNoOutgoing(t *testing.T) {
	cs := &ConfState{Voters: []NodeId{1, 2, 3}}
	require.False(t, cs.IsJoint())
}

func TestServerStateMarshalRoundTrip(t *testing.T) {
	ss := &ServerState{Term: 9, Vote: 2, Commit: 42}
	buf, err := ss.Marshal()
	require.NoError(t, err)

	var got ServerState
	require.NoError(t, got.Unmarshal(buf))
	require.True(t, ss.Equal(got))
	require.False(t, got.IsEmpty())
}

func TestServerStateIsEmpty(t *testing.T) {
	ss := &ServerState{}
	require.True(t, ss.IsEmpty())
}

func TestConfChangeMarshalRoundTrip(t *testing.T) {
	cc := &ConfChange{
		Transition: ConfChangeTransitionExplicit,
		Changes: []ConfChangeSingle{
			{Type: ConfChangeAddNode, NodeId: 4},
			{Type: ConfChangeRemoveNode, NodeId: 2},
		},
		Context: []byte("ctx"),
	}
	buf, err := cc.Marshal()
	require.NoError(t, err)

	var got ConfChange
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, *cc, got)
}

func TestSnapshotMarshalRoundTrip(t *testing.T) {
	s := &Snapshot{
		Data: []byte("snapshot-bytes"),
		Metadata: SnapshotMetadata{
			Index:     100,
			Term:      5,
			ConfState: ConfState{Voters: []NodeId{1, 2, 3}},
		},
	}
	buf, err := s.Marshal()
	require.NoError(t, err)

	var got Snapshot
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, *s, got)
	require.False(t, got.IsEmpty())
}

func TestSnapshotIsEmpty(t *testing.T) {
	s := &Snapshot{}
	require.True(t, s.IsEmpty())
}

func TestMessageMarshalRoundTripAppend(t *testing.T) {
	m := &Message{
		Type:    MsgAppend,
		To:      2,
		From:    1,
		Term:    4,
		GroupId: 1,
		LogTerm: 3,
		Index:   10,
		Entries: []*Entry{
			{Term: 4, Index: 11, Type: EntryNormal, Data: []byte("a"), Cookie: 77},
			{Term: 4, Index: 12, Type: EntryNormal, Data: []byte("b"), IsWeak: true},
		},
		Commit: 9,
	}
	buf, err := m.Marshal()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.To, got.To)
	require.Equal(t, m.From, got.From)
	require.Equal(t, m.Term, got.Term)
	require.Equal(t, m.LogTerm, got.LogTerm)
	require.Equal(t, m.Index, got.Index)
	require.Equal(t, m.Commit, got.Commit)
	require.Len(t, got.Entries, 2)
	require.Equal(t, m.Entries[0].Data, got.Entries[0].Data)
	require.Equal(t, m.Entries[0].Cookie, got.Entries[0].Cookie)
	require.Equal(t, m.Entries[1].Index, got.Entries[1].Index)
	require.True(t, got.Entries[1].IsWeak)
}

func TestMessageMarshalRoundTripSnapshot(t *testing.T) {
	m := &Message{
		Type: MsgSnapshot,
		To:   3,
		From: 1,
		Term: 6,
		Snapshot: &Snapshot{
			Data:     []byte("snap"),
			Metadata: SnapshotMetadata{Index: 50, Term: 5},
		},
	}
	buf, err := m.Marshal()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.Unmarshal(buf))
	require.NotNil(t, got.Snapshot)
	require.Equal(t, m.Snapshot.Data, got.Snapshot.Data)
	require.Equal(t, m.Snapshot.Metadata.Index, got.Snapshot.Metadata.Index)
}

func TestMessageMarshalRoundTripRejectFields(t *testing.T) {
	m := &Message{
		Type:         MsgAppendResponse,
		To:           1,
		From:         2,
		Term:         4,
		Reject:       true,
		RejectHint:   7,
		CampaignType: CampaignTransfer,
		Context:      []byte("xfer"),
	}
	buf, err := m.Marshal()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.Unmarshal(buf))
	require.True(t, got.Reject)
	require.Equal(t, m.RejectHint, got.RejectHint)
	require.Equal(t, m.CampaignType, got.CampaignType)
	require.Equal(t, m.Context, got.Context)
}

func TestMessageTypeIsLocal(t *testing.T) {
	require.True(t, MsgHup.IsLocal())
	require.True(t, MsgBeat.IsLocal())
	require.True(t, MsgPropose.IsLocal())
	require.True(t, MsgTransferLeader.IsLocal())
	require.False(t, MsgAppend.IsLocal())
	require.False(t, MsgRequestVote.IsLocal())
	require.False(t, MsgSnapshot.IsLocal())
}

func TestMessageTypeStringKnownAndUnknown(t *testing.T) {
	require.Equal(t, "MsgAppend", MsgAppend.String())
	require.Equal(t, "MsgTimeoutNow", MsgTimeoutNow.String())
	require.Contains(t, MessageType(999).String(), "MessageType(999)")
}

func TestConfChangeTypeString(t *testing.T) {
	require.Equal(t, "ConfChangeAddNode", ConfChangeAddNode.String())
	require.Equal(t, "ConfChangeRemoveNode", ConfChangeRemoveNode.String())
	require.Equal(t, "ConfChangeAddLearnerNode", ConfChangeAddLearnerNode.String())
	require.Equal(t, "ConfChangePromoteLearner", ConfChangePromoteLearner.String())
	require.Contains(t, ConfChangeType(99).String(), "ConfChangeType(99)")
}

func TestEntryTypeString(t *testing.T) {
	require.Equal(t, "EntryNormal", EntryNormal.String())
	require.Equal(t, "EntryConfChange", EntryConfChange.String())
	require.Contains(t, EntryType(42).String(), "EntryType(42)")
}

func TestCampaignTypeString(t *testing.T) {
	require.Equal(t, "CampaignPreElection", CampaignPreElection.String())
	require.Equal(t, "CampaignElection", CampaignElection.String())
	require.Equal(t, "CampaignTransfer", CampaignTransfer.String())
}
