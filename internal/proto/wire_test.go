package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/chunk"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"msg_id":"00","kind":"node_auth"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame), KindLimit)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameKindCap(t *testing.T) {
	big := `{"msg_id":"00","kind":"` + string(KindNodeBlsShareAuth) + `","pad":"` + strings.Repeat("a", 2<<20) + `"}`
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte(big)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := ReadFrame(&buf, KindLimit); !errors.Is(err, ErrFrameForKind) {
		t.Fatalf("expected oversized share frame to be rejected, got %v", err)
	}

	// the same size is fine for a client message
	big = `{"msg_id":"00","kind":"` + string(KindClientAuth) + `","pad":"` + strings.Repeat("a", 2<<20) + `"}`
	buf.Reset()
	if err := WriteFrame(&buf, []byte(big)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf, KindLimit)
	if err != nil || len(got) != len(big) {
		t.Fatalf("client frame read failed: %d bytes, %v", len(got), err)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:]), nil); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected frame above MaxFrameSize to be rejected, got %v", err)
	}
}

func TestLargestChunkFrameAccepted(t *testing.T) {
	kp, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	value := bytes.Repeat([]byte{0xa5}, chunk.MaxSize)
	c := chunk.New(value)
	w, err := NewNodeMsg(kp, bls.PublicKey{}, Dst{Name: c.Address}, Msg{NodeCmd: &NodeCmd{OpID: "op", StoreChunk: &c}})
	if err != nil {
		t.Fatalf("node msg failed: %v", err)
	}
	raw, err := w.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, raw); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf, KindLimit)
	if err != nil {
		t.Fatalf("ReadFrame failed for a %d byte frame: %v", len(raw), err)
	}
	dec, err := Decode(got)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := dec.VerifyAuth(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	m, err := dec.Msg()
	if err != nil || m.NodeCmd == nil || !bytes.Equal(m.NodeCmd.StoreChunk.Value, value) {
		t.Fatalf("chunk did not survive the frame: %v", err)
	}
}

func TestWireMsgAuthKinds(t *testing.T) {
	kp, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	sks, err := bls.GenerateSecretKeySet(1)
	if err != nil {
		t.Fatalf("key set failed: %v", err)
	}
	pks := sks.PublicKeys()
	dst := Dst{Name: xorname.Random(), SectionKey: pks.PublicKey()}
	c := chunk.New([]byte("payload"))
	m := Msg{ClientCmd: &ClientCmd{StoreChunk: &c}}

	client, err := NewClientMsg(kp, dst, m)
	if err != nil {
		t.Fatalf("client msg failed: %v", err)
	}
	node, err := NewNodeMsg(kp, pks.PublicKey(), dst, Msg{StorageLevel: &StorageLevel{Level: 3}})
	if err != nil {
		t.Fatalf("node msg failed: %v", err)
	}
	share, err := NewShareMsg(xorname.Random(), pks, 1, sks.SecretKeyShare(1), dst, m)
	if err != nil {
		t.Fatalf("share msg failed: %v", err)
	}
	sk := sks.SecretKey()
	section := NewSectionMsg(sectiontree.KeyedSig{PublicKey: sk.PublicKey(), Signature: sk.Sign(client.Payload)}, client.Payload, dst)
	probe := pks.PublicKey()
	info := NewAEMsg(pks.PublicKey(), dst, AntiEntropy{Probe: &probe})

	for _, w := range []WireMsg{client, node, share, section, info} {
		raw, err := w.Encode()
		if err != nil {
			t.Fatalf("%s: encode failed: %v", w.Kind, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", w.Kind, err)
		}
		if err := got.VerifyAuth(); err != nil {
			t.Fatalf("%s: verify failed: %v", w.Kind, err)
		}
		if diff := cmp.Diff(w.Payload, got.Payload); diff != "" {
			t.Fatalf("%s: payload mismatch (-want +got):\n%s", w.Kind, diff)
		}
	}

	if client.Sender() != xorname.FromPublicKey(kp.Public) || node.Sender() != client.Sender() {
		t.Fatalf("sender mismatch")
	}
	got, err := client.Msg()
	if err != nil || got.ClientCmd == nil || got.ClientCmd.StoreChunk.Address != c.Address {
		t.Fatalf("payload decode mismatch: %v", err)
	}
	if got.Name() != "client_cmd" || !got.IsService() {
		t.Fatalf("unexpected variant %s", got.Name())
	}
}

func TestWireMsgRejectsTampering(t *testing.T) {
	kp, _ := crypto.GenKeypair()
	w, err := NewNodeMsg(kp, bls.PublicKey{}, Dst{}, Msg{StorageLevel: &StorageLevel{Level: 1}})
	if err != nil {
		t.Fatalf("node msg failed: %v", err)
	}
	w.Payload = append([]byte(nil), w.Payload...)
	w.Payload[len(w.Payload)-1] ^= 1
	if err := w.VerifyAuth(); !errors.Is(err, ErrBadAuth) {
		t.Fatalf("expected ErrBadAuth, got %v", err)
	}

	w.Kind = KindClientAuth
	if err := w.VerifyAuth(); !errors.Is(err, ErrBadAuth) {
		t.Fatalf("expected ErrBadAuth for kind mismatch, got %v", err)
	}
	w.Kind = "gossip"
	if err := w.VerifyAuth(); !errors.Is(err, ErrBadKind) {
		t.Fatalf("expected ErrBadKind, got %v", err)
	}
	if _, err := NewNodeMsg(kp, bls.PublicKey{}, Dst{}, Msg{}); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected empty msg to be rejected, got %v", err)
	}
}

func TestSniffKind(t *testing.T) {
	cases := map[string]Kind{
		`{"msg_id":"00","kind":"node_auth"}`:                      KindNodeAuth,
		`{"msg_id":"00","dst":{"name":"x"},"kind":"section_auth"`: KindSectionAuth,
		`{"msg_id":"0`:         "",
		`["kind","node_auth"]`: "",
		`{"pad":"aaaa`:         "",
	}
	for in, want := range cases {
		if got := sniffKind([]byte(in)); got != want {
			t.Fatalf("sniffKind(%s)=%q want %q", in, got, want)
		}
	}
}
