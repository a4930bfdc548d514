package sectiontree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
)

const FileName = "section_tree"

type diskTree struct {
	Genesis  bls.PublicKey `json:"genesis_key"`
	Chain    SecuredChain  `json:"chain"`
	Sections []SignedSAP   `json:"sections"`
}

// WriteToDisk stores the tree atomically: temp file, fsync, rename.
func (t *SectionTree) WriteToDisk(path string) error {
	t.mu.RLock()
	dt := diskTree{Genesis: t.genesis, Chain: t.chain.Clone(), Sections: t.sections.All()}
	t.mu.RUnlock()
	data, err := json.Marshal(dt)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// ReadFromDisk loads a tree and re-verifies every link and SAP.
func ReadFromDisk(path string) (*SectionTree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dt diskTree
	if err := json.Unmarshal(data, &dt); err != nil {
		return nil, fmt.Errorf("decode section tree: %w", err)
	}
	if dt.Chain.Root != dt.Genesis || !dt.Chain.SelfVerify() {
		return nil, ErrInvalidProofChain
	}
	t := New(dt.Genesis)
	t.chain = dt.Chain
	for _, s := range dt.Sections {
		if err := VerifySignedSAP(s); err != nil {
			return nil, err
		}
		if !t.chain.HasKey(s.Sig.PublicKey) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, s.Sig.PublicKey)
		}
		t.sections.Insert(s)
	}
	return t, nil
}
