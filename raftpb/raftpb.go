// Package raftpb defines the wire schema shared by every raft message and
// log entry. The shapes mirror what a protoc-gogo run would produce for a
// .proto describing the same fields (eraftpb.proto in the teacher project
// is the model); the Marshal/Unmarshal pair is left to the generic
// reflection-based encoder in github.com/gogo/protobuf/proto instead of a
// generated fast-path, since there is no .proto source to regenerate from
// here.
package raftpb

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// NodeId identifies a replica within a group. GroupId identifies the raft
// group (one per database shard). Index is a 1-based, monotonically
// increasing log position; 0 means "no such entry". Term is a
// monotonically increasing election epoch.
type NodeId int32
type GroupId int32
type Index int64
type Term uint64

// None is the sentinel NodeId meaning "no leader" / "no vote cast".
const None NodeId = 0

// NoneIndex and NoneTerm mark absent log positions.
const NoneIndex Index = 0
const NoneTerm Term = 0

// EntryType distinguishes ordinary client payloads from configuration
// change entries.
type EntryType int32

const (
	EntryNormal EntryType = iota
	EntryConfChange
)

func (t EntryType) String() string {
	switch t {
	case EntryNormal:
		return "EntryNormal"
	case EntryConfChange:
		return "EntryConfChange"
	default:
		return fmt.Sprintf("EntryType(%d)", int32(t))
	}
}

// Entry is one slot of the replicated log. Payload is immutable after it is
// first appended: the same *Entry value may be referenced concurrently by
// the unstable log tail and by an in-flight outbound Append message, so
// the core never mutates Data in place. RefCount is carried on the wire
// as-is; the core never sets or reads it.
type Entry struct {
	Term     Term      `protobuf:"varint,1,opt,name=term"`
	Index    Index     `protobuf:"varint,2,opt,name=index"`
	Type     EntryType `protobuf:"varint,3,opt,name=type"`
	Data     []byte    `protobuf:"bytes,4,opt,name=data"`
	RefCount int32     `protobuf:"varint,5,opt,name=ref_count,json=refCount"`
	// Cookie is an opaque caller tag, round-tripped into FSM.ApplyLog
	// once this entry commits; set from Node.Propose.
	Cookie uint64 `protobuf:"varint,6,opt,name=cookie"`
	// IsWeak marks a proposal the caller does not need commit
	// confirmation for; the core replicates and applies it identically.
	IsWeak bool `protobuf:"varint,7,opt,name=is_weak,json=isWeak"`
}

func (e *Entry) Reset()         { *e = Entry{} }
func (e *Entry) String() string { return proto.CompactTextString(e) }
func (*Entry) ProtoMessage()    {}

func (e *Entry) Marshal() ([]byte, error)   { return proto.Marshal(e) }
func (e *Entry) Unmarshal(b []byte) error   { return proto.Unmarshal(b, e) }
func (e *Entry) Size() int                  { b, _ := e.Marshal(); return len(b) }

// SnapshotMetadata pins a snapshot to a log position; the payload bytes
// that precede/follow it stream over the FSM contract, not through this
// struct.
type SnapshotMetadata struct {
	ConfState ConfState `protobuf:"bytes,1,opt,name=conf_state,json=confState"`
	Index     Index     `protobuf:"varint,2,opt,name=index"`
	Term      Term      `protobuf:"varint,3,opt,name=term"`
}

type Snapshot struct {
	Data     []byte           `protobuf:"bytes,1,opt,name=data"`
	Metadata SnapshotMetadata `protobuf:"bytes,2,opt,name=metadata"`
}

func (s *Snapshot) Reset()         { *s = Snapshot{} }
func (s *Snapshot) String() string { return proto.CompactTextString(s) }
func (*Snapshot) ProtoMessage()    {}

func (s *Snapshot) IsEmpty() bool { return s.Metadata.Index == NoneIndex }

// ConfState is the persisted shape of the joint-consensus membership. It is
// joint iff VotersOutgoing is non-empty.
type ConfState struct {
	Voters         []NodeId `protobuf:"varint,1,rep,name=voters"`
	Learners       []NodeId `protobuf:"varint,2,rep,name=learners"`
	VotersOutgoing []NodeId `protobuf:"varint,3,rep,name=voters_outgoing,json=votersOutgoing"`
	LearnersNext   []NodeId `protobuf:"varint,4,rep,name=learners_next,json=learnersNext"`
	AutoLeave      bool     `protobuf:"varint,5,opt,name=auto_leave,json=autoLeave"`
}

func (c *ConfState) Reset()         { *c = ConfState{} }
func (c *ConfState) String() string { return proto.CompactTextString(c) }
func (*ConfState) ProtoMessage()    {}

func (c *ConfState) Marshal() ([]byte, error) { return proto.Marshal(c) }
func (c *ConfState) Unmarshal(b []byte) error { return proto.Unmarshal(b, c) }

func (c *ConfState) IsJoint() bool { return len(c.VotersOutgoing) > 0 }

// ServerState is the compact, frequently-persisted slice of raft state:
// current term, the node voted for this term, and the commit watermark.
type ServerState struct {
	Term   Term   `protobuf:"varint,1,opt,name=term"`
	Vote   NodeId `protobuf:"varint,2,opt,name=vote"`
	Commit Index  `protobuf:"varint,3,opt,name=commit"`
}

func (s *ServerState) Reset()         { *s = ServerState{} }
func (s *ServerState) String() string { return proto.CompactTextString(s) }
func (*ServerState) ProtoMessage()    {}

func (s *ServerState) Marshal() ([]byte, error) { return proto.Marshal(s) }
func (s *ServerState) Unmarshal(b []byte) error { return proto.Unmarshal(b, s) }

// IsEmpty reports a fresh node that has never persisted anything.
func (s *ServerState) IsEmpty() bool {
	return s.Term == 0 && s.Vote == None && s.Commit == 0
}

func (s ServerState) Equal(o ServerState) bool {
	return s.Term == o.Term && s.Vote == o.Vote && s.Commit == o.Commit
}

// ConfChangeType is one atomic membership transition. Several can be
// batched into a single joint-consensus entry.
type ConfChangeType int32

const (
	ConfChangeAddNode ConfChangeType = iota
	ConfChangeRemoveNode
	ConfChangeAddLearnerNode
	ConfChangeAddLearnerNode2
	ConfChangePromoteLearner
)

func (t ConfChangeType) String() string {
	switch t {
	case ConfChangeAddNode:
		return "ConfChangeAddNode"
	case ConfChangeRemoveNode:
		return "ConfChangeRemoveNode"
	case ConfChangeAddLearnerNode:
		return "ConfChangeAddLearnerNode"
	case ConfChangePromoteLearner:
		return "ConfChangePromoteLearner"
	default:
		return fmt.Sprintf("ConfChangeType(%d)", int32(t))
	}
}

// ConfChangeSingle is one operation within a conf-change entry's payload.
type ConfChangeSingle struct {
	Type   ConfChangeType `protobuf:"varint,1,opt,name=type"`
	NodeId NodeId         `protobuf:"varint,2,opt,name=node_id,json=nodeId"`
}

// ConfChangeTransition controls how the changer leaves the joint state:
// explicit auto-leave (single atomic batch) vs. an explicit follow-up
// entry initiated by the application.
type ConfChangeTransition int32

const (
	ConfChangeTransitionAuto ConfChangeTransition = iota
	ConfChangeTransitionExplicit
)

// ConfChange is the payload of an EntryConfChange entry.
type ConfChange struct {
	Transition ConfChangeTransition `protobuf:"varint,1,opt,name=transition"`
	Changes    []ConfChangeSingle   `protobuf:"bytes,2,rep,name=changes"`
	Context    []byte               `protobuf:"bytes,3,opt,name=context"`
}

func (c *ConfChange) Marshal() ([]byte, error) { return proto.Marshal(c) }
func (c *ConfChange) Unmarshal(b []byte) error { return proto.Unmarshal(b, c) }
func (c *ConfChange) Reset()                   { *c = ConfChange{} }
func (c *ConfChange) String() string           { return proto.CompactTextString(c) }
func (*ConfChange) ProtoMessage()              {}

// MessageType enumerates every logical message the core emits or handles.
// RAFT_MSG_VOTE and the internal heartbeat trigger collide on the wire in
// the system this module replaces; here every variant gets its own value,
// on purpose, local (never-on-wire) types included.
type MessageType int32

const (
	MsgHup MessageType = iota // internal: local election timeout fired
	MsgBeat                   // internal: local heartbeat timeout fired
	MsgPropose                // internal: local client proposal
	MsgTransferLeader         // internal: local leadership-transfer request
	MsgAppend
	MsgAppendResponse
	MsgRequestVote
	MsgRequestVoteResponse
	MsgRequestPreVote
	MsgRequestPreVoteResponse
	MsgHeartbeat
	MsgHeartbeatResponse
	MsgSnapshot
	MsgTimeoutNow
)

var msgTypeNames = [...]string{
	"MsgHup", "MsgBeat", "MsgPropose", "MsgTransferLeader",
	"MsgAppend", "MsgAppendResponse",
	"MsgRequestVote", "MsgRequestVoteResponse",
	"MsgRequestPreVote", "MsgRequestPreVoteResponse",
	"MsgHeartbeat", "MsgHeartbeatResponse",
	"MsgSnapshot", "MsgTimeoutNow",
}

func (t MessageType) String() string {
	if int(t) < len(msgTypeNames) {
		return msgTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", int32(t))
}

// IsLocal reports whether a message never crosses the wire.
func (t MessageType) IsLocal() bool {
	switch t {
	case MsgHup, MsgBeat, MsgPropose, MsgTransferLeader:
		return true
	default:
		return false
	}
}

// CampaignType distinguishes a pre-vote poll from a real election, and
// flags a transfer-induced election so it bypasses the leader lease check.
type CampaignType int32

const (
	CampaignPreElection CampaignType = iota
	CampaignElection
	CampaignTransfer
)

func (t CampaignType) String() string {
	switch t {
	case CampaignPreElection:
		return "CampaignPreElection"
	case CampaignElection:
		return "CampaignElection"
	case CampaignTransfer:
		return "CampaignTransfer"
	default:
		return fmt.Sprintf("CampaignType(%d)", int32(t))
	}
}

// Message is the common envelope for everything the core sends or
// receives: vote requests/responses, log replication, heartbeats,
// snapshots, and the handful of internal-only kinds that drive the state
// machine locally (propose, tick-derived hup/beat, transfer-leader).
type Message struct {
	Type         MessageType        `protobuf:"varint,1,opt,name=type"`
	To           NodeId             `protobuf:"varint,2,opt,name=to"`
	From         NodeId             `protobuf:"varint,3,opt,name=from"`
	Term         Term               `protobuf:"varint,4,opt,name=term"`
	GroupId      GroupId            `protobuf:"varint,5,opt,name=group_id,json=groupId"`
	LogTerm      Term               `protobuf:"varint,6,opt,name=log_term,json=logTerm"`
	Index        Index              `protobuf:"varint,7,opt,name=index"`
	Entries      []*Entry           `protobuf:"bytes,8,rep,name=entries"`
	Commit       Index              `protobuf:"varint,9,opt,name=commit"`
	Snapshot     *Snapshot          `protobuf:"bytes,10,opt,name=snapshot"`
	Reject       bool               `protobuf:"varint,11,opt,name=reject"`
	RejectHint   Index              `protobuf:"varint,12,opt,name=reject_hint,json=rejectHint"`
	CampaignType CampaignType       `protobuf:"varint,13,opt,name=campaign_type,json=campaignType"`
	Context      []byte             `protobuf:"bytes,14,opt,name=context"`
	SnapshotLast bool               `protobuf:"varint,17,opt,name=snapshot_last,json=snapshotLast"`
}

func (m *Message) Reset()         { *m = Message{} }
func (m *Message) String() string { return proto.CompactTextString(m) }
func (*Message) ProtoMessage()    {}

func (m *Message) Marshal() ([]byte, error) { return proto.Marshal(m) }
func (m *Message) Unmarshal(b []byte) error { return proto.Unmarshal(b, m) }

func init() {
	proto.RegisterType((*Entry)(nil), "raftpb.Entry")
	proto.RegisterType((*Snapshot)(nil), "raftpb.Snapshot")
	proto.RegisterType((*ConfState)(nil), "raftpb.ConfState")
	proto.RegisterType((*ServerState)(nil), "raftpb.ServerState")
	proto.RegisterType((*ConfChange)(nil), "raftpb.ConfChange")
	proto.RegisterType((*Message)(nil), "raftpb.Message")
}
