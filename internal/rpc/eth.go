package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Block is the subset of an eth_getBlockByNumber result the monitors
// consume. Quantities arrive as 0x-prefixed hex strings on the wire.
type Block struct {
	Number       uint64
	Hash         string
	ParentHash   string
	Timestamp    uint64 // Unix seconds
	Miner        string
	Round        uint64 // XDPoS consensus round; zero on chains without one
	Transactions []Transaction
	TxHashes     []string // Populated when the block was fetched without full transactions
}

// Transaction is the subset of a transaction object used by the
// transaction analyzer.
type Transaction struct {
	Hash   string
	From   string
	To     string
	Status *uint64 // Receipt status when known: 1 success, 0 failed
}

// MissedRound is one entry of the XDPoS missed-rounds query. Miner is
// the expected miner that failed to produce; the block actually
// produced afterwards sits at CurrentBlockNum.
type MissedRound struct {
	Round           uint64 `json:"Round"`
	Miner           string `json:"Miner"`
	CurrentBlockNum uint64 `json:"CurrentBlockNum"`
	ParentBlockNum  uint64 `json:"ParentBlockNum"`
}

// MissedRoundsInEpoch is the result of XDPoS_getMissedRoundsInEpochByBlockNum
type MissedRoundsInEpoch struct {
	EpochRound       uint64        `json:"EpochRound"`
	EpochBlockNumber uint64        `json:"EpochBlockNumber"`
	MissedRounds     []MissedRound `json:"MissedRounds"`
}

// BlockNumber returns the endpoint's latest block height
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	return parseHexQuantityJSON(raw)
}

// BlockByNumber fetches a block by height. With full=true the result
// carries complete transaction objects; otherwise only their hashes.
// A null result (pruned or not-yet-produced block) returns (nil, nil).
func (c *Client) BlockByNumber(ctx context.Context, number uint64, full bool) (*Block, error) {
	raw, err := c.Call(ctx, "eth_getBlockByNumber", toHexQuantity(number), full)
	if err != nil {
		return nil, err
	}
	return decodeBlock(raw)
}

// LatestBlock fetches the head block
func (c *Client) LatestBlock(ctx context.Context, full bool) (*Block, error) {
	raw, err := c.Call(ctx, "eth_getBlockByNumber", "latest", full)
	if err != nil {
		return nil, err
	}
	return decodeBlock(raw)
}

// BlockByHash fetches a block by hash
func (c *Client) BlockByHash(ctx context.Context, hash string, full bool) (*Block, error) {
	raw, err := c.Call(ctx, "eth_getBlockByHash", hash, full)
	if err != nil {
		return nil, err
	}
	return decodeBlock(raw)
}

// TransactionReceiptStatus resolves a transaction's outcome from its
// receipt: true for success. A null receipt (still pending or unknown
// to this endpoint) returns ok=false with no error.
func (c *Client) TransactionReceiptStatus(ctx context.Context, hash string) (success bool, ok bool, err error) {
	raw, err := c.Call(ctx, "eth_getTransactionReceipt", hash)
	if err != nil {
		return false, false, err
	}
	if isJSONNull(raw) {
		return false, false, nil
	}
	var receipt struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return false, false, fmt.Errorf("decode receipt: %w", err)
	}
	status, err := parseHexQuantity(receipt.Status)
	if err != nil {
		return false, false, fmt.Errorf("parse receipt status: %w", err)
	}
	return status == 1, true, nil
}

// MissedRoundsInEpochByBlockNum queries the chain-native XDPoS API for
// the authoritative list of missed consensus rounds in the epoch
// containing the given block.
func (c *Client) MissedRoundsInEpochByBlockNum(ctx context.Context, number uint64) (*MissedRoundsInEpoch, error) {
	raw, err := c.Call(ctx, "XDPoS_getMissedRoundsInEpochByBlockNum", toHexQuantity(number))
	if err != nil {
		return nil, err
	}
	if isJSONNull(raw) {
		return &MissedRoundsInEpoch{}, nil
	}
	var out MissedRoundsInEpoch
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode missed rounds: %w", err)
	}
	return &out, nil
}

// MasternodesByNumber returns the masternode (candidate miner) list in
// round-robin order as of the given block.
func (c *Client) MasternodesByNumber(ctx context.Context, number uint64) ([]string, error) {
	raw, err := c.Call(ctx, "XDPoS_getMasternodesByNumber", toHexQuantity(number))
	if err != nil {
		return nil, err
	}
	if isJSONNull(raw) {
		return nil, nil
	}
	var out struct {
		Masternodes []string `json:"Masternodes"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode masternodes: %w", err)
	}
	return out.Masternodes, nil
}

// wireBlock is the on-wire block shape. Transactions is either an
// array of hashes or of full objects depending on the request.
type wireBlock struct {
	Number       string          `json:"number"`
	Hash         string          `json:"hash"`
	ParentHash   string          `json:"parentHash"`
	Timestamp    string          `json:"timestamp"`
	Miner        string          `json:"miner"`
	Round        string          `json:"round"`
	Transactions json.RawMessage `json:"transactions"`
}

type wireTransaction struct {
	Hash string `json:"hash"`
	From string `json:"from"`
	To   string `json:"to"`
}

func decodeBlock(raw json.RawMessage) (*Block, error) {
	if isJSONNull(raw) {
		return nil, nil
	}
	var wb wireBlock
	if err := json.Unmarshal(raw, &wb); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}

	number, err := parseHexQuantity(wb.Number)
	if err != nil {
		return nil, fmt.Errorf("parse block number: %w", err)
	}
	timestamp, err := parseHexQuantity(wb.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse block timestamp: %w", err)
	}

	block := &Block{
		Number:     number,
		Hash:       wb.Hash,
		ParentHash: wb.ParentHash,
		Timestamp:  timestamp,
		Miner:      wb.Miner,
	}

	if wb.Round != "" {
		if round, err := parseHexQuantity(wb.Round); err == nil {
			block.Round = round
		}
	}

	if len(wb.Transactions) > 0 && !isJSONNull(wb.Transactions) {
		var hashes []string
		if err := json.Unmarshal(wb.Transactions, &hashes); err == nil {
			block.TxHashes = hashes
		} else {
			var txs []wireTransaction
			if err := json.Unmarshal(wb.Transactions, &txs); err != nil {
				return nil, fmt.Errorf("decode block transactions: %w", err)
			}
			for _, tx := range txs {
				block.Transactions = append(block.Transactions, Transaction{
					Hash: tx.Hash,
					From: tx.From,
					To:   tx.To,
				})
				block.TxHashes = append(block.TxHashes, tx.Hash)
			}
		}
	}

	return block, nil
}

// TxCount returns the number of transactions in the block regardless of
// fetch mode.
func (b *Block) TxCount() int {
	if len(b.TxHashes) > 0 {
		return len(b.TxHashes)
	}
	return len(b.Transactions)
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parseHexQuantity decodes a 0x-prefixed hex quantity
func parseHexQuantity(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	return strconv.ParseUint(trimmed, 16, 64)
}

// parseHexQuantityJSON decodes a JSON string holding a hex quantity
func parseHexQuantityJSON(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("decode quantity: %w", err)
	}
	return parseHexQuantity(s)
}

func toHexQuantity(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
