// Package proto defines the wire envelope exchanged by clients and nodes
// and the messages it carries.
package proto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

var (
	ErrBadAuth    = errors.New("bad message auth")
	ErrBadKind    = errors.New("unknown message kind")
	ErrNoPayload  = errors.New("message has no payload")
	ErrBadPayload = errors.New("malformed payload")
)

type Kind string

const (
	KindClientAuth       Kind = "client_auth"
	KindNodeAuth         Kind = "node_auth"
	KindNodeBlsShareAuth Kind = "node_bls_share_auth"
	KindSectionAuth      Kind = "section_auth"
	// KindSectionInfo carries only an anti-entropy trailer.
	KindSectionInfo Kind = "section_info"
)

type MsgID [16]byte

func NewMsgID() MsgID {
	var id MsgID
	_, _ = rand.Read(id[:])
	return id
}

func (id MsgID) String() string { return hex.EncodeToString(id[:4]) }

func (id MsgID) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(id[:])), nil }

func (id *MsgID) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil || len(raw) != len(id) {
		return fmt.Errorf("bad msg id %q", b)
	}
	copy(id[:], raw)
	return nil
}

// Dst names the recipient and the section key the sender believes it has.
type Dst struct {
	Name       xorname.XorName `json:"name"`
	SectionKey bls.PublicKey   `json:"section_key"`
}

type ClientAuth struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

type NodeAuth struct {
	Name      xorname.XorName `json:"name"`
	Signature []byte          `json:"signature"`
}

// BlsShareAuth carries one elder's share; receivers aggregate shares until
// the message is signed by the key set.
type BlsShareAuth struct {
	Src          xorname.XorName    `json:"src"`
	PublicKeySet bls.PublicKeySet   `json:"public_key_set"`
	Share        bls.SignatureShare `json:"share"`
}

// Auth holds the authority matching the message kind.
type Auth struct {
	Client   *ClientAuth           `json:"client,omitempty"`
	Node     *NodeAuth             `json:"node,omitempty"`
	BlsShare *BlsShareAuth         `json:"bls_share,omitempty"`
	Section  *sectiontree.KeyedSig `json:"section,omitempty"`
}

// WireMsg is the envelope. Auth signs Payload, the CBOR encoding of a Msg.
type WireMsg struct {
	ID            MsgID         `json:"msg_id"`
	Kind          Kind          `json:"kind"`
	Auth          Auth          `json:"auth"`
	Dst           Dst           `json:"dst"`
	SrcSectionKey bls.PublicKey `json:"src_section_key"`
	Payload       []byte        `json:"payload,omitempty"`
	AE            *AntiEntropy  `json:"ae,omitempty"`
}

func encodePayload(m Msg) ([]byte, error) {
	if m.count() != 1 {
		return nil, fmt.Errorf("%w: %d variants set", ErrBadPayload, m.count())
	}
	return codec.Marshal(m)
}

func NewClientMsg(kp crypto.Keypair, dst Dst, m Msg) (WireMsg, error) {
	payload, err := encodePayload(m)
	if err != nil {
		return WireMsg{}, err
	}
	return WireMsg{
		ID:      NewMsgID(),
		Kind:    KindClientAuth,
		Auth:    Auth{Client: &ClientAuth{PublicKey: kp.Public, Signature: kp.Sign(payload)}},
		Dst:     dst,
		Payload: payload,
	}, nil
}

func NewNodeMsg(kp crypto.Keypair, srcKey bls.PublicKey, dst Dst, m Msg) (WireMsg, error) {
	payload, err := encodePayload(m)
	if err != nil {
		return WireMsg{}, err
	}
	return WireMsg{
		ID:            NewMsgID(),
		Kind:          KindNodeAuth,
		Auth:          Auth{Node: &NodeAuth{Name: xorname.FromPublicKey(kp.Public), Signature: kp.Sign(payload)}},
		Dst:           dst,
		SrcSectionKey: srcKey,
		Payload:       payload,
	}, nil
}

// NewShareMsg signs m with an elder's key share of pks.
func NewShareMsg(src xorname.XorName, pks bls.PublicKeySet, index int, share *bls.SecretKey, dst Dst, m Msg) (WireMsg, error) {
	payload, err := encodePayload(m)
	if err != nil {
		return WireMsg{}, err
	}
	return WireMsg{
		ID:   NewMsgID(),
		Kind: KindNodeBlsShareAuth,
		Auth: Auth{BlsShare: &BlsShareAuth{
			Src:          src,
			PublicKeySet: pks,
			Share:        bls.SignatureShare{Index: index, Sig: share.Sign(payload)},
		}},
		Dst:           dst,
		SrcSectionKey: pks.PublicKey(),
		Payload:       payload,
	}, nil
}

// NewSectionMsg wraps a payload already signed by the whole section.
func NewSectionMsg(sig sectiontree.KeyedSig, payload []byte, dst Dst) WireMsg {
	return WireMsg{
		ID:            NewMsgID(),
		Kind:          KindSectionAuth,
		Auth:          Auth{Section: &sig},
		Dst:           dst,
		SrcSectionKey: sig.PublicKey,
		Payload:       payload,
	}
}

func NewAEMsg(srcKey bls.PublicKey, dst Dst, ae AntiEntropy) WireMsg {
	return WireMsg{ID: NewMsgID(), Kind: KindSectionInfo, Dst: dst, SrcSectionKey: srcKey, AE: &ae}
}

// VerifyAuth checks the signature for the message kind. Section signatures
// are checked against their own key; whether that key is trusted is up to
// the caller's section tree.
func (w WireMsg) VerifyAuth() error {
	switch w.Kind {
	case KindClientAuth:
		a := w.Auth.Client
		if a == nil {
			return fmt.Errorf("%w: missing client auth", ErrBadAuth)
		}
		if err := crypto.Verify(a.PublicKey, w.Payload, a.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrBadAuth, err)
		}
	case KindNodeAuth:
		a := w.Auth.Node
		if a == nil {
			return fmt.Errorf("%w: missing node auth", ErrBadAuth)
		}
		if err := crypto.Verify(a.Name[:], w.Payload, a.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrBadAuth, err)
		}
	case KindNodeBlsShareAuth:
		a := w.Auth.BlsShare
		if a == nil {
			return fmt.Errorf("%w: missing share auth", ErrBadAuth)
		}
		if a.PublicKeySet.PublicKey() != w.SrcSectionKey || !a.PublicKeySet.VerifyShare(a.Share, w.Payload) {
			return fmt.Errorf("%w: invalid share", ErrBadAuth)
		}
	case KindSectionAuth:
		a := w.Auth.Section
		if a == nil || !a.PublicKey.Verify(a.Signature, w.Payload) {
			return fmt.Errorf("%w: invalid section signature", ErrBadAuth)
		}
	case KindSectionInfo:
		if w.AE == nil || w.AE.count() != 1 {
			return fmt.Errorf("%w: section info without a single trailer", ErrBadAuth)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrBadKind, w.Kind)
	}
	if len(w.Payload) == 0 {
		return ErrNoPayload
	}
	return nil
}

// Sender is the name authenticating the message, zero for section auth.
func (w WireMsg) Sender() xorname.XorName {
	switch {
	case w.Auth.Client != nil:
		return xorname.FromPublicKey(w.Auth.Client.PublicKey)
	case w.Auth.Node != nil:
		return w.Auth.Node.Name
	case w.Auth.BlsShare != nil:
		return w.Auth.BlsShare.Src
	}
	return xorname.XorName{}
}

func (w WireMsg) IsFromClient() bool { return w.Kind == KindClientAuth }

// Msg decodes the payload.
func (w WireMsg) Msg() (Msg, error) {
	var m Msg
	if len(w.Payload) == 0 {
		return m, ErrNoPayload
	}
	if err := codec.Unmarshal(w.Payload, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if m.count() != 1 {
		return m, fmt.Errorf("%w: %d variants set", ErrBadPayload, m.count())
	}
	return m, nil
}

// WithDst readdresses the message, keeping its auth.
func (w WireMsg) WithDst(dst Dst) WireMsg {
	w.Dst = dst
	return w
}

func (w WireMsg) Encode() ([]byte, error) {
	return json.Marshal(w)
}

func Decode(b []byte) (WireMsg, error) {
	var w WireMsg
	if err := json.Unmarshal(b, &w); err != nil {
		return WireMsg{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return w, nil
}

func (w WireMsg) String() string {
	return fmt.Sprintf("WireMsg(%s, %s, dst=%s)", w.ID, w.Kind, w.Dst.Name)
}
