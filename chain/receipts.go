package chain

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
)

// receiptChunkSize bounds how many receipts travel in one batch request.
const receiptChunkSize = 5

// Receipt is the resolved outcome of one transaction.
type Receipt struct {
	TxRef           string
	Success         bool
	ContractAddress string
}

// Grouped splits references by their final on-chain outcome.
type Grouped struct {
	Success []string
	Failure []string
}

// Receipt fetches the receipt for ref. A missing receipt or a timed out
// call yields ErrReceiptPending.
func (c *Client) Receipt(ctx context.Context, ref string) (Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	r, err := c.backend.TransactionReceipt(callCtx, common.HexToHash(ref))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.DeadlineExceeded) {
			return Receipt{}, ErrReceiptPending
		}
		return Receipt{}, err
	}
	if r == nil {
		return Receipt{}, ErrReceiptPending
	}

	out := Receipt{TxRef: ref, Success: r.Status == types.ReceiptStatusSuccessful}
	if r.ContractAddress != (common.Address{}) {
		out.ContractAddress = r.ContractAddress.Hex()
	}
	return out, nil
}

type rpcReceipt struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
}

// GroupReceipts resolves refs in chunks of five, one batch request per chunk.
// Refs without a receipt, or whose element failed or timed out, land in
// neither bucket. Chunk failures are logged, not returned.
func (c *Client) GroupReceipts(ctx context.Context, refs []string) (Grouped, error) {
	chunks := chunk(refs, receiptChunkSize)
	results := make([][]*rpcReceipt, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, part := range chunks {
		g.Go(func() error {
			results[i] = c.fetchChunk(gctx, part)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Grouped{}, err
	}
	if err := ctx.Err(); err != nil {
		return Grouped{}, err
	}

	var out Grouped
	for i, part := range chunks {
		for j, ref := range part {
			r := results[i][j]
			if r == nil {
				continue
			}
			if strings.EqualFold(r.Status, "0x1") {
				out.Success = append(out.Success, ref)
			} else {
				out.Failure = append(out.Failure, ref)
			}
		}
	}
	return out, nil
}

func (c *Client) fetchChunk(ctx context.Context, refs []string) []*rpcReceipt {
	res := make([]*rpcReceipt, len(refs))
	elems := make([]rpc.BatchElem, len(refs))
	for i, ref := range refs {
		elems[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []any{ref},
			Result: &res[i],
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.batch.BatchCallContext(callCtx, elems); err != nil {
		c.logger.Warn("receipt batch failed", slog.Int("size", len(refs)), slog.Any("err", err))
		return make([]*rpcReceipt, len(refs))
	}
	for i, el := range elems {
		if el.Error != nil {
			c.logger.Debug("receipt lookup failed", slog.String("ref", refs[i]), slog.Any("err", el.Error))
			res[i] = nil
		}
	}
	return res
}

func chunk(refs []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(refs); start += size {
		end := min(start+size, len(refs))
		out = append(out, refs[start:end])
	}
	return out
}
