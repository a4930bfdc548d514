package dkg

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

var (
	ErrNotParticipant = errors.New("not a session participant")
	ErrWrongSession   = errors.New("message for another session")
	ErrBadMessage     = errors.New("bad dkg message")
)

// EphemeralKey is a participant's one-off BLS key used to receive shares.
type EphemeralKey struct {
	SessionID SessionID     `json:"session_id"`
	Index     int           `json:"index"`
	Key       bls.PublicKey `json:"key"`
	Sig       []byte        `json:"sig"`
}

func (e EphemeralKey) signingBytes() []byte {
	return codec.MustMarshal(struct {
		S SessionID
		I int
		K bls.PublicKey
	}{e.SessionID, e.Index, e.Key})
}

type EncryptedShare struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Vote is a participant's contribution: a committed polynomial and one
// encrypted evaluation per participant.
type Vote struct {
	SessionID  SessionID        `json:"session_id"`
	Index      int              `json:"index"`
	Commitment bls.Commitment   `json:"commitment"`
	Shares     []EncryptedShare `json:"shares"`
	Sig        []byte           `json:"sig"`
}

func (v Vote) signingBytes() []byte {
	return codec.MustMarshal(struct {
		S SessionID
		I int
		C bls.Commitment
		E []EncryptedShare
	}{v.SessionID, v.Index, v.Commitment, v.Shares})
}

// Message carries exactly one of its fields.
type Message struct {
	Ephemeral *EphemeralKey `json:"ephemeral,omitempty"`
	Vote      *Vote         `json:"vote,omitempty"`
}

func (m Message) sessionID() SessionID {
	switch {
	case m.Ephemeral != nil:
		return m.Ephemeral.SessionID
	case m.Vote != nil:
		return m.Vote.SessionID
	}
	return SessionID{}
}

type Outcome struct {
	SessionID    SessionID          `json:"session_id"`
	Session      Session            `json:"session"`
	PublicKeySet bls.PublicKeySet   `json:"public_key_set"`
	Index        int                `json:"index"`
	Share        *bls.SecretKey     `json:"-"`
	Elders       []sectiontree.Peer `json:"elders"`
}

type Failure struct {
	SessionID SessionID         `json:"session_id"`
	Culprits  []xorname.XorName `json:"culprits"`
}

// Dkg is one participant's view of a session. It performs no I/O: every
// handler returns the messages to broadcast.
type Dkg struct {
	session  Session
	id       SessionID
	ourIndex int
	identity crypto.Keypair
	eph      *bls.SecretKey

	ephKeys map[int]EphemeralKey
	votes   map[int]Vote
	voted   bool
	outcome *Outcome
	failed  map[int]bool
}

// Start creates the local participant and returns its ephemeral key broadcast.
func Start(session Session, identity crypto.Keypair) (*Dkg, []Message, error) {
	var name xorname.XorName
	copy(name[:], identity.Public)
	idx := session.Index(name)
	if idx < 0 {
		return nil, nil, ErrNotParticipant
	}
	eph, err := bls.GenerateSecretKey()
	if err != nil {
		return nil, nil, err
	}
	d := &Dkg{
		session:  session,
		id:       session.ID(),
		ourIndex: idx,
		identity: identity,
		eph:      eph,
		ephKeys:  make(map[int]EphemeralKey),
		votes:    make(map[int]Vote),
		failed:   make(map[int]bool),
	}
	ek := EphemeralKey{SessionID: d.id, Index: idx, Key: eph.PublicKey()}
	ek.Sig = identity.Sign(ek.signingBytes())
	msg := Message{Ephemeral: &ek}
	out, _, err := d.Handle(msg)
	if err != nil {
		return nil, nil, err
	}
	return d, append([]Message{msg}, out...), nil
}

func (d *Dkg) SessionID() SessionID { return d.id }

func (d *Dkg) Session() Session { return d.session }

func (d *Dkg) Outcome() *Outcome { return d.outcome }

func (d *Dkg) signer(index int) (ed25519.PublicKey, error) {
	if index < 0 || index >= len(d.session.Elders) {
		return nil, fmt.Errorf("%w: index %d", ErrNotParticipant, index)
	}
	name := d.session.Elders[index].Name
	return ed25519.PublicKey(name[:]), nil
}

// Handle processes one message. Messages already seen are ignored.
func (d *Dkg) Handle(msg Message) ([]Message, *Outcome, error) {
	if msg.sessionID() != d.id {
		return nil, nil, ErrWrongSession
	}
	switch {
	case msg.Ephemeral != nil:
		if err := d.handleEphemeral(*msg.Ephemeral); err != nil {
			return nil, nil, err
		}
	case msg.Vote != nil:
		if err := d.handleVote(*msg.Vote); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, ErrBadMessage
	}
	var out []Message
	if !d.voted && len(d.ephKeys) == len(d.session.Elders) {
		vote, err := d.makeVote()
		if err != nil {
			return nil, nil, err
		}
		d.voted = true
		d.votes[vote.Index] = vote
		out = append(out, Message{Vote: &vote})
	}
	if d.outcome == nil && d.voted && len(d.votes) == len(d.session.Elders) {
		if err := d.finish(); err != nil {
			return out, nil, err
		}
		return out, d.outcome, nil
	}
	return out, nil, nil
}

func (d *Dkg) handleEphemeral(ek EphemeralKey) error {
	if _, ok := d.ephKeys[ek.Index]; ok {
		return nil
	}
	pub, err := d.signer(ek.Index)
	if err != nil {
		return err
	}
	if err := crypto.Verify(pub, ek.signingBytes(), ek.Sig); err != nil {
		return fmt.Errorf("%w: ephemeral key of %d: %v", ErrBadMessage, ek.Index, err)
	}
	d.ephKeys[ek.Index] = ek
	return nil
}

func (d *Dkg) handleVote(v Vote) error {
	if _, ok := d.votes[v.Index]; ok {
		return nil
	}
	pub, err := d.signer(v.Index)
	if err != nil {
		return err
	}
	if err := crypto.Verify(pub, v.signingBytes(), v.Sig); err != nil {
		return fmt.Errorf("%w: vote of %d: %v", ErrBadMessage, v.Index, err)
	}
	if len(v.Shares) != len(d.session.Elders) || v.Commitment.Threshold() != d.session.Threshold() {
		return fmt.Errorf("%w: malformed vote of %d", ErrBadMessage, v.Index)
	}
	d.votes[v.Index] = v
	return nil
}

func (d *Dkg) shareKey(dealer, receiver int, shared []byte) []byte {
	var idx [16]byte
	binary.BigEndian.PutUint64(idx[:8], uint64(dealer))
	binary.BigEndian.PutUint64(idx[8:], uint64(receiver))
	return crypto.KDF("xornet:dkg:share:v1", d.id[:], shared, idx[:])
}

func (d *Dkg) makeVote() (Vote, error) {
	poly, err := bls.RandomPoly(d.session.Threshold())
	if err != nil {
		return Vote{}, err
	}
	v := Vote{SessionID: d.id, Index: d.ourIndex, Commitment: poly.Commitment()}
	for j := range d.session.Elders {
		shared, err := d.eph.SharedSecret(d.ephKeys[j].Key)
		if err != nil {
			return Vote{}, err
		}
		nonce, ct, err := crypto.XSeal(d.shareKey(d.ourIndex, j, shared), poly.Share(j).Bytes(), d.id[:])
		if err != nil {
			return Vote{}, err
		}
		v.Shares = append(v.Shares, EncryptedShare{Nonce: nonce, Ciphertext: ct})
	}
	v.Sig = d.identity.Sign(v.signingBytes())
	return v, nil
}

func (d *Dkg) finish() error {
	var commitment bls.Commitment
	var shares []*bls.SecretKey
	for i := range d.session.Elders {
		v := d.votes[i]
		shared, err := d.eph.SharedSecret(d.ephKeys[i].Key)
		if err != nil {
			d.failed[i] = true
			continue
		}
		enc := v.Shares[d.ourIndex]
		raw, err := crypto.XOpen(d.shareKey(i, d.ourIndex, shared), enc.Nonce, enc.Ciphertext, d.id[:])
		if err != nil {
			d.failed[i] = true
			continue
		}
		share, err := bls.SecretKeyFromBytes(raw)
		if err != nil || !v.Commitment.VerifyShare(d.ourIndex, share) {
			d.failed[i] = true
			continue
		}
		shares = append(shares, share)
		if commitment == nil {
			commitment = v.Commitment
			continue
		}
		if commitment, err = commitment.Add(v.Commitment); err != nil {
			d.failed[i] = true
		}
	}
	if len(d.failed) > 0 {
		return fmt.Errorf("%w: %d bad contributions", ErrBadMessage, len(d.failed))
	}
	d.outcome = &Outcome{
		SessionID:    d.id,
		Session:      d.session,
		PublicKeySet: bls.PublicKeySet{Commitment: commitment},
		Index:        d.ourIndex,
		Share:        bls.SumShares(shares),
		Elders:       append([]sectiontree.Peer(nil), d.session.Elders...),
	}
	return nil
}

// AE returns every message this participant holds, for a peer that fell behind.
func (d *Dkg) AE() []Message {
	var out []Message
	for _, i := range sortedKeys(d.ephKeys) {
		ek := d.ephKeys[i]
		out = append(out, Message{Ephemeral: &ek})
	}
	for _, i := range sortedKeys(d.votes) {
		v := d.votes[i]
		out = append(out, Message{Vote: &v})
	}
	return out
}

// Failure names the participants whose messages are missing or invalid.
func (d *Dkg) Failure() Failure {
	f := Failure{SessionID: d.id}
	for i, e := range d.session.Elders {
		_, haveEph := d.ephKeys[i]
		_, haveVote := d.votes[i]
		if !haveEph || !haveVote || d.failed[i] {
			f.Culprits = append(f.Culprits, e.Name)
		}
	}
	return f
}

func sortedKeys[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
