package node

import (
	"fmt"
	"time"

	"github.com/maidsafe/temp-safe-network-sub015/internal/dkg"
	"github.com/maidsafe/temp-safe-network-sub015/internal/membership"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// Cmd is one unit of work for the router. Handlers return follow-up
// commands instead of acting on other subsystems directly.
type Cmd interface {
	fmt.Stringer
	cmd()
}

// HandleMsg is a raw frame off the wire. Conn is nil for messages a node
// delivers to itself.
type HandleMsg struct {
	Conn network.Conn
	Raw  []byte
}

// HandleServiceMsg is a validated client message.
type HandleServiceMsg struct {
	Conn network.Conn
	Wire proto.WireMsg
	Msg  proto.Msg
}

// HandleSystemMsg is a validated node or section message.
type HandleSystemMsg struct {
	Conn network.Conn
	Wire proto.WireMsg
	Msg  proto.Msg
}

// HandleAgreement runs the side effects of a membership decision.
type HandleAgreement struct {
	Decision membership.Decision
}

// HandleNewEldersAgreement installs the SAPs of a decided handover.
type HandleNewEldersAgreement struct {
	Decision membership.Decision
}

type HandleDkgOutcome struct {
	Outcome dkg.Outcome
}

type HandleDkgFailure struct {
	Failure dkg.Failure
}

// HandleDkgTimeout fires when a session has not completed in time.
type HandleDkgTimeout struct {
	Session dkg.SessionID
}

// SendMsg delivers a message to each recipient.
type SendMsg struct {
	Recipients []sectiontree.Peer
	Wire       proto.WireMsg
}

// Reply answers on the connection a message arrived on.
type Reply struct {
	Conn network.Conn
	Wire proto.WireMsg
}

// SendToAdultsAndReturnToClient forwards a client operation to data holders
// and relays their answer back to the client connection.
type SendToAdultsAndReturnToClient struct {
	OpID        string
	Adults      []sectiontree.Peer
	Wire        proto.WireMsg
	Client      network.Conn
	ClientName  xorname.XorName
	Correlation proto.MsgID
	IsQuery     bool
	// Chunk marks chunk stores for the stored-chunks counter.
	Chunk bool
}

// SignOutgoingSystemMsg signs Msg with our key share and sends the share to
// the elders, who aggregate it into a section-signed message.
type SignOutgoingSystemMsg struct {
	Msg proto.Msg
	Dst proto.Dst
}

// Propose puts a proposal to the section vote.
type Propose struct {
	Proposal membership.Proposal
}

// ProposeOffline votes a member out after it stopped responding.
type ProposeOffline struct {
	Name xorname.XorName
}

// TestConnectivity dials a member before voting it offline.
type TestConnectivity struct {
	Name xorname.XorName
}

// ReplicateData pushes locally held chunks to their current holders.
type ReplicateData struct{}

// CleanupLinks drops connections to peers that are no longer relevant.
type CleanupLinks struct{}

// ScheduleTimeout enqueues Cmd once After has elapsed, unless the router stops first.
type ScheduleTimeout struct {
	After time.Duration
	Cmd   Cmd
}

// Tick drives the periodic work: vote rebroadcast, liveness, link cleanup.
type Tick struct{}

func (HandleMsg) cmd()                     {}
func (HandleServiceMsg) cmd()              {}
func (HandleSystemMsg) cmd()               {}
func (HandleAgreement) cmd()               {}
func (HandleNewEldersAgreement) cmd()      {}
func (HandleDkgOutcome) cmd()              {}
func (HandleDkgFailure) cmd()              {}
func (HandleDkgTimeout) cmd()              {}
func (SendMsg) cmd()                       {}
func (Reply) cmd()                         {}
func (SendToAdultsAndReturnToClient) cmd() {}
func (SignOutgoingSystemMsg) cmd()         {}
func (Propose) cmd()                       {}
func (ProposeOffline) cmd()                {}
func (TestConnectivity) cmd()              {}
func (ReplicateData) cmd()                 {}
func (CleanupLinks) cmd()                  {}
func (ScheduleTimeout) cmd()               {}
func (Tick) cmd()                          {}

func (c HandleMsg) String() string { return fmt.Sprintf("HandleMsg(%d bytes)", len(c.Raw)) }
func (c HandleServiceMsg) String() string {
	return fmt.Sprintf("HandleServiceMsg(%s, %s)", c.Wire.ID, c.Msg.Name())
}
func (c HandleSystemMsg) String() string {
	return fmt.Sprintf("HandleSystemMsg(%s, %s)", c.Wire.ID, c.Msg.Name())
}
func (c HandleAgreement) String() string {
	return fmt.Sprintf("HandleAgreement(%s)", c.Decision.Proposal)
}
func (c HandleNewEldersAgreement) String() string {
	return fmt.Sprintf("HandleNewEldersAgreement(gen=%d)", c.Decision.Generation)
}
func (c HandleDkgOutcome) String() string {
	return fmt.Sprintf("HandleDkgOutcome(%s)", c.Outcome.SessionID)
}
func (c HandleDkgFailure) String() string {
	return fmt.Sprintf("HandleDkgFailure(%s)", c.Failure.SessionID)
}
func (c HandleDkgTimeout) String() string { return fmt.Sprintf("HandleDkgTimeout(%s)", c.Session) }
func (c SendMsg) String() string {
	return fmt.Sprintf("SendMsg(%s, %d recipients)", c.Wire.ID, len(c.Recipients))
}
func (c Reply) String() string { return fmt.Sprintf("Reply(%s)", c.Wire.ID) }
func (c SendToAdultsAndReturnToClient) String() string {
	return fmt.Sprintf("SendToAdultsAndReturnToClient(%s, %d adults)", c.OpID, len(c.Adults))
}
func (c SignOutgoingSystemMsg) String() string {
	return fmt.Sprintf("SignOutgoingSystemMsg(%s)", c.Msg.Name())
}
func (c Propose) String() string          { return fmt.Sprintf("Propose(%s)", c.Proposal) }
func (c ProposeOffline) String() string   { return fmt.Sprintf("ProposeOffline(%s)", c.Name) }
func (c TestConnectivity) String() string { return fmt.Sprintf("TestConnectivity(%s)", c.Name) }
func (ReplicateData) String() string      { return "ReplicateData" }
func (CleanupLinks) String() string       { return "CleanupLinks" }
func (c ScheduleTimeout) String() string {
	return fmt.Sprintf("ScheduleTimeout(%s, %s)", c.After, c.Cmd)
}
func (Tick) String() string { return "Tick" }
