// Package selfenc splits content into convergently encrypted chunks. Each
// chunk's key comes from the plaintext hashes of its neighbours, so equal
// content always yields equal chunk addresses.
package selfenc

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/maidsafe/temp-safe-network-sub015/internal/chunk"
	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

const (
	// MinEncryptableBytes is the smallest input that is self-encrypted;
	// anything shorter is stored as a single plain chunk.
	MinEncryptableBytes = 3 * 1024
	MaxChunkSize        = 1 << 20

	padSize = 48
)

var maxChunkSize = MaxChunkSize

var (
	ErrTooSmall       = errors.New("content below self-encryption threshold")
	ErrMissingChunk   = errors.New("chunk missing for data map")
	ErrCorruptChunk   = errors.New("decrypted chunk does not match data map")
	ErrBadRange       = errors.New("read range out of bounds")
	ErrBadDataMap     = errors.New("malformed data map")
	ErrLevelsExceeded = errors.New("too many data map levels")
)

type ChunkInfo struct {
	Index   int             `json:"index"`
	DstHash xorname.XorName `json:"dst_hash"`
	SrcHash [32]byte        `json:"src_hash"`
	SrcSize int             `json:"src_size"`
}

// DataMap lists the chunks of one self-encrypted blob in order.
type DataMap struct {
	Infos []ChunkInfo `json:"infos"`
}

func (dm DataMap) FileSize() int {
	n := 0
	for _, info := range dm.Infos {
		n += info.SrcSize
	}
	return n
}

func (dm DataMap) Addresses() []xorname.XorName {
	out := make([]xorname.XorName, len(dm.Infos))
	for i, info := range dm.Infos {
		out[i] = info.DstHash
	}
	return out
}

func (dm DataMap) validate() error {
	if len(dm.Infos) < 3 {
		return fmt.Errorf("%w: %d chunks", ErrBadDataMap, len(dm.Infos))
	}
	size := dm.FileSize()
	for i, info := range dm.Infos {
		if info.Index != i || info.SrcSize != chunkSize(size, i) {
			return fmt.Errorf("%w: chunk %d", ErrBadDataMap, i)
		}
	}
	return nil
}

func numChunks(size int) int {
	if size < 3 {
		return 0
	}
	if size < 3*maxChunkSize {
		return 3
	}
	return (size + maxChunkSize - 1) / maxChunkSize
}

// chunkSize is the plaintext size of chunk i. Below three full chunks the
// content is cut in thirds with the remainder on the last one; otherwise
// every chunk but the last is MaxChunkSize.
func chunkSize(size, i int) int {
	if size < 3*maxChunkSize {
		if i < 2 {
			return size / 3
		}
		return size - 2*(size/3)
	}
	n := numChunks(size)
	if i < n-1 {
		return maxChunkSize
	}
	if rem := size % maxChunkSize; rem != 0 {
		return rem
	}
	return maxChunkSize
}

func chunkStart(size, i int) int { return i * chunkSize(size, 0) }

// chunkIndex maps a byte position to the chunk holding it.
func chunkIndex(size, pos int) int {
	i := pos / chunkSize(size, 0)
	if n := numChunks(size); i >= n {
		return n - 1
	}
	return i
}

func keys(i int, hashes [][32]byte) (key [32]byte, iv [aes.BlockSize]byte, pad [padSize]byte) {
	n := len(hashes)
	n1, n2 := (i+n-1)%n, (i+n-2)%n
	key = hashes[n1]
	copy(iv[:], hashes[n2][:aes.BlockSize])
	copy(pad[:], hashes[i][:])
	copy(pad[32:], hashes[n2][aes.BlockSize:])
	return key, iv, pad
}

// xorChunk is its own inverse: CTR keystream followed by the pad.
func xorChunk(i int, hashes [][32]byte, in []byte) ([]byte, error) {
	key, iv, pad := keys(i, hashes)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, in)
	for j := range out {
		out[j] ^= pad[j%padSize]
	}
	return out, nil
}

// Encrypt self-encrypts data into at least three chunks.
func Encrypt(data []byte) (DataMap, []chunk.Chunk, error) {
	size := len(data)
	if size < MinEncryptableBytes {
		return DataMap{}, nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, size)
	}
	n := numChunks(size)
	hashes := make([][32]byte, n)
	for i := 0; i < n; i++ {
		start := chunkStart(size, i)
		hashes[i] = sha3.Sum256(data[start : start+chunkSize(size, i)])
	}
	dm := DataMap{Infos: make([]ChunkInfo, n)}
	chunks := make([]chunk.Chunk, n)
	for i := 0; i < n; i++ {
		start := chunkStart(size, i)
		enc, err := xorChunk(i, hashes, data[start:start+chunkSize(size, i)])
		if err != nil {
			return DataMap{}, nil, err
		}
		chunks[i] = chunk.New(enc)
		dm.Infos[i] = ChunkInfo{Index: i, DstHash: chunks[i].Address, SrcHash: hashes[i], SrcSize: chunkSize(size, i)}
	}
	return dm, chunks, nil
}

func srcHashes(dm DataMap) [][32]byte {
	out := make([][32]byte, len(dm.Infos))
	for i, info := range dm.Infos {
		out[i] = info.SrcHash
	}
	return out
}

func decryptChunk(dm DataMap, i int, content []byte) ([]byte, error) {
	info := dm.Infos[i]
	if chunk.AddressOf(content) != info.DstHash {
		return nil, fmt.Errorf("%w: %d", ErrCorruptChunk, i)
	}
	plain, err := xorChunk(i, srcHashes(dm), content)
	if err != nil {
		return nil, err
	}
	if sha3.Sum256(plain) != info.SrcHash {
		return nil, fmt.Errorf("%w: %d", ErrCorruptChunk, i)
	}
	return plain, nil
}

// Decrypt reassembles the content from every chunk of dm.
func Decrypt(dm DataMap, chunks []chunk.Chunk) ([]byte, error) {
	return DecryptRange(dm, chunks, 0, dm.FileSize())
}

// SeekRange returns the first and last chunk indexes needed to read
// length bytes at pos.
func SeekRange(dm DataMap, pos, length int) (int, int, error) {
	size := dm.FileSize()
	if pos < 0 || length <= 0 || pos+length > size {
		return 0, 0, fmt.Errorf("%w: %d+%d of %d", ErrBadRange, pos, length, size)
	}
	return chunkIndex(size, pos), chunkIndex(size, pos+length-1), nil
}

// DecryptRange reads length bytes at pos. chunks must hold at least the
// chunks named by SeekRange; others are ignored.
func DecryptRange(dm DataMap, chunks []chunk.Chunk, pos, length int) ([]byte, error) {
	if err := dm.validate(); err != nil {
		return nil, err
	}
	if length == 0 && pos == 0 {
		return []byte{}, nil
	}
	first, last, err := SeekRange(dm, pos, length)
	if err != nil {
		return nil, err
	}
	byAddr := make(map[xorname.XorName][]byte, len(chunks))
	for _, c := range chunks {
		byAddr[c.Address] = c.Value
	}
	size := dm.FileSize()
	out := make([]byte, 0, chunkStart(size, last)+chunkSize(size, last)-chunkStart(size, first))
	for i := first; i <= last; i++ {
		content, ok := byAddr[dm.Infos[i].DstHash]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrMissingChunk, i)
		}
		plain, err := decryptChunk(dm, i, content)
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
	}
	offset := pos - chunkStart(size, first)
	return out[offset : offset+length], nil
}

// DataMapLevel is what the head chunk of a large upload holds. First points
// at content chunks; Additional points at chunks of a further level.
type DataMapLevel struct {
	First      *DataMap `json:"first,omitempty"`
	Additional *DataMap `json:"additional,omitempty"`
}

// DecodeLevel reports whether b is a data map level rather than plain content.
func DecodeLevel(b []byte) (DataMapLevel, bool) {
	var lvl DataMapLevel
	if err := codec.Unmarshal(b, &lvl); err != nil {
		return DataMapLevel{}, false
	}
	if (lvl.First == nil) == (lvl.Additional == nil) {
		return DataMapLevel{}, false
	}
	dm := lvl.First
	if dm == nil {
		dm = lvl.Additional
	}
	if dm.validate() != nil {
		return DataMapLevel{}, false
	}
	return lvl, true
}

func (l DataMapLevel) Map() DataMap {
	if l.First != nil {
		return *l.First
	}
	return *l.Additional
}

// Packed is the result of preparing content for upload. Head is the chunk
// whose address names the content.
type Packed struct {
	Head   chunk.Chunk
	Chunks []chunk.Chunk
}

// Pack turns content into chunks. Small content is one plain chunk; larger
// content is self-encrypted and its data map stored in the head chunk,
// itself self-encrypted until the top level fits in one chunk.
func Pack(data []byte) (Packed, error) {
	return pack(data, chunk.MaxSize)
}

func pack(data []byte, maxHead int) (Packed, error) {
	if len(data) < MinEncryptableBytes {
		c := chunk.New(append([]byte(nil), data...))
		return Packed{Head: c, Chunks: []chunk.Chunk{c}}, nil
	}
	dm, chunks, err := Encrypt(data)
	if err != nil {
		return Packed{}, err
	}
	level := DataMapLevel{First: &dm}
	var all []chunk.Chunk
	all = append(all, chunks...)
	for {
		b, err := codec.Marshal(level)
		if err != nil {
			return Packed{}, err
		}
		if len(b) <= maxHead || len(b) < MinEncryptableBytes {
			head := chunk.New(b)
			return Packed{Head: head, Chunks: append(all, head)}, nil
		}
		next, more, err := Encrypt(b)
		if err != nil {
			return Packed{}, err
		}
		all = append(all, more...)
		level = DataMapLevel{Additional: &next}
	}
}

// CalculateAddress is the address Pack would give data, without storing.
func CalculateAddress(data []byte) (xorname.XorName, error) {
	p, err := Pack(data)
	if err != nil {
		return xorname.XorName{}, err
	}
	return p.Head.Address, nil
}

// maxLevels bounds the Additional chain a reader follows.
const maxLevels = 16

// Fetcher retrieves the chunks at the given addresses, in any order.
type Fetcher func(addrs []xorname.XorName) ([]chunk.Chunk, error)

// Resolve follows Additional levels down to the first-level data map.
func Resolve(lvl DataMapLevel, fetch Fetcher) (DataMap, error) {
	for i := 0; i < maxLevels; i++ {
		if lvl.First != nil {
			return *lvl.First, nil
		}
		dm := *lvl.Additional
		chunks, err := fetch(dm.Addresses())
		if err != nil {
			return DataMap{}, err
		}
		b, err := Decrypt(dm, chunks)
		if err != nil {
			return DataMap{}, err
		}
		next, ok := DecodeLevel(b)
		if !ok {
			return DataMap{}, fmt.Errorf("%w: additional level does not decode", ErrBadDataMap)
		}
		lvl = next
	}
	return DataMap{}, ErrLevelsExceeded
}

// Unpack returns the content named by the head chunk.
func Unpack(head []byte, fetch Fetcher) ([]byte, error) {
	lvl, ok := DecodeLevel(head)
	if !ok {
		return head, nil
	}
	dm, err := Resolve(lvl, fetch)
	if err != nil {
		return nil, err
	}
	chunks, err := fetch(dm.Addresses())
	if err != nil {
		return nil, err
	}
	return Decrypt(dm, chunks)
}

// UnpackRange reads length bytes at pos, fetching only the chunks that
// cover the range.
func UnpackRange(head []byte, pos, length int, fetch Fetcher) ([]byte, error) {
	lvl, ok := DecodeLevel(head)
	if !ok {
		if pos < 0 || length < 0 || pos+length > len(head) {
			return nil, fmt.Errorf("%w: %d+%d of %d", ErrBadRange, pos, length, len(head))
		}
		return head[pos : pos+length], nil
	}
	dm, err := Resolve(lvl, fetch)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	first, last, err := SeekRange(dm, pos, length)
	if err != nil {
		return nil, err
	}
	chunks, err := fetch(dm.Addresses()[first : last+1])
	if err != nil {
		return nil, err
	}
	return DecryptRange(dm, chunks, pos, length)
}
