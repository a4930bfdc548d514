package crypto

import "encoding/binary"

const resourceProofPrefix = "xornet:v1:resource-proof|"

// CheckResourceProof reports whether sha3(prefix|nonce|name|solution) has
// difficulty leading zero bits.
func CheckResourceProof(nonce []byte, name [32]byte, solution uint64, difficulty uint8) bool {
	if difficulty == 0 {
		return true
	}
	if len(nonce) == 0 {
		return false
	}
	buf := make([]byte, 0, len(resourceProofPrefix)+len(nonce)+len(name)+8)
	buf = append(buf, []byte(resourceProofPrefix)...)
	buf = append(buf, nonce...)
	buf = append(buf, name[:]...)
	var sol [8]byte
	binary.LittleEndian.PutUint64(sol[:], solution)
	buf = append(buf, sol[:]...)
	digest := SHA3_256(buf)
	full := int(difficulty / 8)
	rem := int(difficulty % 8)
	for i := 0; i < full; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return digest[full]&mask == 0
}

func SolveResourceProof(nonce []byte, name [32]byte, difficulty uint8) (uint64, bool) {
	for sol := uint64(0); sol < ^uint64(0); sol++ {
		if CheckResourceProof(nonce, name, sol, difficulty) {
			return sol, true
		}
	}
	return 0, false
}
