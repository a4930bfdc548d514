package proto_test

import (
	"bytes"
	"testing"

	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte(`{"msg_id":"00","kind":"node_auth"}`))
	f.Add([]byte(`{"kind":"section_info","ae":{"probe":"00"}}`))
	f.Add([]byte{0, 0, 0, 4, '{', '}', 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.Truncate(data, testutil.MaxFuzzFrame)
		testutil.Within(t, testutil.FuzzDeadline, func() {
			if payload, err := proto.ReadFrame(bytes.NewReader(data), proto.KindLimit); err == nil {
				data = payload
			}
			w, err := proto.Decode(data)
			if err != nil {
				return
			}
			if err := w.VerifyAuth(); err != nil {
				return
			}
			_, _ = w.Msg()
		})
	})
}
