package client

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/maidsafe/temp-safe-network-sub015/internal/chunk"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/selfenc"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// Upload stores data and returns the address that names it.
func (c *Client) Upload(ctx context.Context, data []byte) (xorname.XorName, error) {
	return c.upload(ctx, data, false)
}

// UploadAndVerify is Upload with every chunk read back after it is stored.
func (c *Client) UploadAndVerify(ctx context.Context, data []byte) (xorname.XorName, error) {
	return c.upload(ctx, data, true)
}

func (c *Client) upload(ctx context.Context, data []byte, verify bool) (xorname.XorName, error) {
	p, err := selfenc.Pack(data)
	if err != nil {
		return xorname.XorName{}, err
	}
	for start := 0; start < len(p.Chunks); start += ChunksBatchMaxSize {
		end := min(start+ChunksBatchMaxSize, len(p.Chunks))
		if err := c.storeBatch(ctx, p.Chunks[start:end], verify); err != nil {
			return xorname.XorName{}, err
		}
	}
	log.Debugf("uploaded %d bytes as %s in %d chunks", len(data), p.Head.Address, len(p.Chunks))
	return p.Head.Address, nil
}

// storeBatch stores chunks concurrently and reports every failure.
func (c *Client) storeBatch(ctx context.Context, batch []chunk.Chunk, verify bool) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range batch {
		g.Go(func() error {
			err := c.StoreChunk(gctx, ch)
			if err == nil && verify {
				err = c.verifyChunk(gctx, ch)
			}
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("chunk %s: %w", ch.Address, err))
				mu.Unlock()
			}
			return err
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// StoreChunk puts one chunk on its holders.
func (c *Client) StoreChunk(ctx context.Context, ch chunk.Chunk) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if err := c.sendCmd(ctx, proto.ClientCmd{StoreChunk: &ch}, false); err != nil {
		return err
	}
	c.cache.Add(ch.Address, ch)
	return nil
}

func (c *Client) verifyChunk(ctx context.Context, ch chunk.Chunk) error {
	got, err := c.fetchChunk(ctx, ch.Address)
	if err != nil {
		return err
	}
	if !bytes.Equal(got.Value, ch.Value) {
		return fmt.Errorf("%w: chunk %s read back differently", errs.ErrValidation, ch.Address)
	}
	return nil
}

// GetChunk returns the chunk at addr, from the cache when it holds it.
func (c *Client) GetChunk(ctx context.Context, addr xorname.XorName) (chunk.Chunk, error) {
	if v, ok := c.cache.Get(addr); ok {
		return v.(chunk.Chunk), nil
	}
	ch, err := c.fetchChunk(ctx, addr)
	if err != nil {
		return chunk.Chunk{}, err
	}
	c.cache.Add(addr, ch)
	return ch, nil
}

func (c *Client) fetchChunk(ctx context.Context, addr xorname.XorName) (chunk.Chunk, error) {
	resp, err := c.sendQuery(ctx, proto.ClientQuery{Chunk: &addr})
	if err != nil {
		return chunk.Chunk{}, err
	}
	if resp.Chunk == nil {
		return chunk.Chunk{}, fmt.Errorf("%w: %s", errs.ErrDataNotFound, addr)
	}
	ch := *resp.Chunk
	if err := ch.Validate(); err != nil || ch.Address != addr {
		return chunk.Chunk{}, fmt.Errorf("%w: bad chunk for %s", errs.ErrValidation, addr)
	}
	return ch, nil
}

// fetcher gets chunks for the self-encryption reader, a batch at a time.
func (c *Client) fetcher(ctx context.Context) selfenc.Fetcher {
	return func(addrs []xorname.XorName) ([]chunk.Chunk, error) {
		out := make([]chunk.Chunk, len(addrs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ChunksBatchMaxSize)
		for i, addr := range addrs {
			g.Go(func() error {
				ch, err := c.GetChunk(gctx, addr)
				if err != nil {
					return fmt.Errorf("chunk %s: %w", addr, err)
				}
				out[i] = ch
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// ReadBytes returns the content uploaded under addr.
func (c *Client) ReadBytes(ctx context.Context, addr xorname.XorName) ([]byte, error) {
	head, err := c.GetChunk(ctx, addr)
	if err != nil {
		return nil, err
	}
	return selfenc.Unpack(head.Value, c.fetcher(ctx))
}

// ReadFrom returns length bytes of the content at addr starting at pos,
// fetching only the chunks covering that range.
func (c *Client) ReadFrom(ctx context.Context, addr xorname.XorName, pos, length int) ([]byte, error) {
	head, err := c.GetChunk(ctx, addr)
	if err != nil {
		return nil, err
	}
	return selfenc.UnpackRange(head.Value, pos, length, c.fetcher(ctx))
}
