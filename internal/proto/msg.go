package proto

import (
	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/chunk"
	"github.com/maidsafe/temp-safe-network-sub015/internal/dkg"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/membership"
	"github.com/maidsafe/temp-safe-network-sub015/internal/register"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// Msg is the payload union; exactly one field is set.
type Msg struct {
	// client and elders
	ClientCmd     *ClientCmd     `json:"client_cmd,omitempty"`
	ClientQuery   *ClientQuery   `json:"client_query,omitempty"`
	CmdAck        *CmdAck        `json:"cmd_ack,omitempty"`
	QueryResponse *QueryResponse `json:"query_response,omitempty"`

	// joining
	JoinRequest  *JoinRequest  `json:"join_request,omitempty"`
	JoinResponse *JoinResponse `json:"join_response,omitempty"`

	// section consensus
	Vote       *membership.Vote     `json:"vote,omitempty"`
	Decision   *membership.Decision `json:"decision,omitempty"`
	DkgStart   *DkgStart            `json:"dkg_start,omitempty"`
	Dkg        *DkgMsg              `json:"dkg,omitempty"`
	DkgOutcome *DkgOutcome          `json:"dkg_outcome,omitempty"`

	// elders and adults
	StorageLevel      *StorageLevel      `json:"storage_level,omitempty"`
	NodeCmd           *NodeCmd           `json:"node_cmd,omitempty"`
	NodeCmdAck        *NodeCmdAck        `json:"node_cmd_ack,omitempty"`
	NodeQuery         *NodeQuery         `json:"node_query,omitempty"`
	NodeQueryResponse *NodeQueryResponse `json:"node_query_response,omitempty"`
	ReplicateRegister *ReplicateRegister `json:"replicate_register,omitempty"`
}

func (m Msg) count() int {
	n := 0
	for _, set := range []bool{
		m.ClientCmd != nil, m.ClientQuery != nil, m.CmdAck != nil, m.QueryResponse != nil,
		m.JoinRequest != nil, m.JoinResponse != nil,
		m.Vote != nil, m.Decision != nil, m.DkgStart != nil, m.Dkg != nil, m.DkgOutcome != nil,
		m.StorageLevel != nil, m.NodeCmd != nil, m.NodeCmdAck != nil, m.NodeQuery != nil,
		m.NodeQueryResponse != nil, m.ReplicateRegister != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Name is the payload variant, used for metrics and logs.
func (m Msg) Name() string {
	switch {
	case m.ClientCmd != nil:
		return "client_cmd"
	case m.ClientQuery != nil:
		return "client_query"
	case m.CmdAck != nil:
		return "cmd_ack"
	case m.QueryResponse != nil:
		return "query_response"
	case m.JoinRequest != nil:
		return "join_request"
	case m.JoinResponse != nil:
		return "join_response"
	case m.Vote != nil:
		return "vote"
	case m.Decision != nil:
		return "decision"
	case m.DkgStart != nil:
		return "dkg_start"
	case m.Dkg != nil:
		return "dkg"
	case m.DkgOutcome != nil:
		return "dkg_outcome"
	case m.StorageLevel != nil:
		return "storage_level"
	case m.NodeCmd != nil:
		return "node_cmd"
	case m.NodeCmdAck != nil:
		return "node_cmd_ack"
	case m.NodeQuery != nil:
		return "node_query"
	case m.NodeQueryResponse != nil:
		return "node_query_response"
	case m.ReplicateRegister != nil:
		return "replicate_register"
	}
	return "empty"
}

// IsService reports whether the message is client traffic.
func (m Msg) IsService() bool {
	return m.ClientCmd != nil || m.ClientQuery != nil || m.CmdAck != nil || m.QueryResponse != nil
}

type ClientCmd struct {
	StoreChunk *chunk.Chunk  `json:"store_chunk,omitempty"`
	Register   *register.Cmd `json:"register,omitempty"`
}

// Dst is the name whose section handles the command.
func (c ClientCmd) Dst() xorname.XorName {
	if c.StoreChunk != nil {
		return c.StoreChunk.Address
	}
	if c.Register != nil {
		return c.Register.Address().ID()
	}
	return xorname.XorName{}
}

// ClientQuery reads a chunk or a register. AdultIndex picks which of the
// data holders, ordered by distance, serves the read.
type ClientQuery struct {
	Chunk      *xorname.XorName  `json:"chunk,omitempty"`
	Register   *register.Address `json:"register,omitempty"`
	AdultIndex int               `json:"adult_index"`
}

func (q ClientQuery) Dst() xorname.XorName {
	if q.Chunk != nil {
		return *q.Chunk
	}
	if q.Register != nil {
		return q.Register.ID()
	}
	return xorname.XorName{}
}

type CmdAck struct {
	Correlation MsgID     `json:"correlation"`
	Error       errs.Code `json:"error,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

func (a CmdAck) Err() error { return errs.FromCode(a.Error, a.Detail) }

type QueryResponse struct {
	Correlation MsgID              `json:"correlation"`
	Chunk       *chunk.Chunk       `json:"chunk,omitempty"`
	Register    *register.Snapshot `json:"register,omitempty"`
	Error       errs.Code          `json:"error,omitempty"`
	Detail      string             `json:"detail,omitempty"`
}

func (r QueryResponse) Err() error { return errs.FromCode(r.Error, r.Detail) }

type ResourceProof struct {
	Nonce    []byte `json:"nonce"`
	Solution uint64 `json:"solution"`
}

type JoinRequest struct {
	Peer       sectiontree.Peer `json:"peer"`
	SectionKey bls.PublicKey    `json:"section_key"`
	Proof      *ResourceProof   `json:"proof,omitempty"`
}

type Challenge struct {
	Nonce      []byte `json:"nonce"`
	Difficulty uint8  `json:"difficulty"`
}

type JoinRetry struct {
	ExpectedAge uint8              `json:"expected_age"`
	Update      sectiontree.Update `json:"update"`
}

// JoinApproved hands the new member the section state it joins into:
// the decision admitting it and the membership after that decision.
type JoinApproved struct {
	Update       sectiontree.Update      `json:"update"`
	Decision     membership.Decision     `json:"decision"`
	Members      []sectiontree.NodeState `json:"members"`
	Generation   uint64                  `json:"generation"`
	JoinsAllowed bool                    `json:"joins_allowed"`
}

// JoinResponse carries exactly one outcome.
type JoinResponse struct {
	Challenge *Challenge    `json:"challenge,omitempty"`
	Retry     *JoinRetry    `json:"retry,omitempty"`
	Rejected  string        `json:"rejected,omitempty"`
	Approved  *JoinApproved `json:"approved,omitempty"`
}

// DkgStart asks the candidates to run a session. It travels section-signed
// once the current elders have aggregated it.
type DkgStart struct {
	Session dkg.Session `json:"session"`
}

type DkgMsg struct {
	SessionID dkg.SessionID `json:"session_id"`
	Message   dkg.Message   `json:"message"`
}

// DkgOutcome is a new elder's share over the SAP its session produced,
// signed with the new key share and sent to the current elders.
type DkgOutcome struct {
	SAP   sectiontree.SAP    `json:"sap"`
	Share bls.SignatureShare `json:"share"`
}

type StorageLevel struct {
	Level uint8 `json:"level"`
}

// NodeCmd asks a holder to store a chunk or apply a register command.
type NodeCmd struct {
	OpID       string        `json:"op_id"`
	StoreChunk *chunk.Chunk  `json:"store_chunk,omitempty"`
	Register   *register.Cmd `json:"register,omitempty"`
}

type NodeCmdAck struct {
	OpID   string    `json:"op_id"`
	Error  errs.Code `json:"error,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// NodeQuery reads a chunk, or a register on behalf of Reader when
// Register is set.
type NodeQuery struct {
	OpID     string            `json:"op_id"`
	Chunk    xorname.XorName   `json:"chunk"`
	Register *register.Address `json:"register,omitempty"`
	Reader   register.User     `json:"reader,omitempty"`
}

type NodeQueryResponse struct {
	OpID     string             `json:"op_id"`
	Chunk    *chunk.Chunk       `json:"chunk,omitempty"`
	Register *register.Snapshot `json:"register,omitempty"`
	Error    errs.Code          `json:"error,omitempty"`
	Detail   string             `json:"detail,omitempty"`
}

// ReplicateRegister copies one register's commands to its holders, in the
// order they must be applied.
type ReplicateRegister struct {
	Cmds []register.Cmd `json:"cmds"`
}

// Bounce returns a message to its sender with the knowledge it lacked.
type Bounce struct {
	Update  sectiontree.Update `json:"update"`
	Bounced []byte             `json:"bounced"`
}

// SectionUpdate carries a SAP and, from elders of that section, the
// membership at Generation.
type SectionUpdate struct {
	Update       sectiontree.Update      `json:"update"`
	Members      []sectiontree.NodeState `json:"members,omitempty"`
	Generation   uint64                  `json:"generation,omitempty"`
	JoinsAllowed bool                    `json:"joins_allowed,omitempty"`
}

// AntiEntropy is the trailer elders attach when a sender's view is stale.
type AntiEntropy struct {
	// Retry: resend Bounced to the same section under the new key.
	Retry *Bounce `json:"retry,omitempty"`
	// Redirect: Bounced went to the wrong section; resend to Update's.
	Redirect *Bounce        `json:"redirect,omitempty"`
	Update   *SectionUpdate `json:"update,omitempty"`
	// Probe asks for an Update proven from the given key.
	Probe *bls.PublicKey `json:"probe,omitempty"`
}

func (a AntiEntropy) count() int {
	n := 0
	for _, set := range []bool{a.Retry != nil, a.Redirect != nil, a.Update != nil, a.Probe != nil} {
		if set {
			n++
		}
	}
	return n
}

func (a AntiEntropy) Name() string {
	switch {
	case a.Retry != nil:
		return "ae_retry"
	case a.Redirect != nil:
		return "ae_redirect"
	case a.Update != nil:
		return "ae_update"
	case a.Probe != nil:
		return "ae_probe"
	}
	return "ae_empty"
}
