// Copyright 2025 Certen Protocol
package anchor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// rootAnchorABI is the minimal surface of the on-chain anchor contract:
// one write that appends a root to the contract's chain of accepted
// roots, and the event it emits carrying the previous root and the
// ledger timestamp.
const rootAnchorABI = `[
	{
		"inputs": [{"name": "rootHash", "type": "bytes32"}],
		"name": "submitRootHash",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "latestRootHash",
		"outputs": [{"name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "rootHash", "type": "bytes32"},
			{"indexed": false, "name": "previousRootHash", "type": "bytes32"},
			{"indexed": false, "name": "timestamp", "type": "uint256"}
		],
		"name": "RootHashSubmitted",
		"type": "event"
	}
]`

// EVMClient anchors root hashes into an EVM contract. Each submission is
// a signed transaction; the contract's RootHashSubmitted event supplies
// the previous-root witness and the ledger timestamp.
type EVMClient struct {
	client     *ethclient.Client
	contract   common.Address
	abi        abi.ABI
	privateKey *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	gasLimit   uint64
	logger     *log.Logger
}

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	RPCURL          string
	ChainID         int64
	PrivateKeyHex   string
	ContractAddress string
	GasLimit        uint64 // 0 means a safe default
}

// NewEVMClient dials the RPC endpoint and prepares the signing key.
func NewEVMClient(cfg EVMConfig) (*EVMClient, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("anchor: dial %s: %w", cfg.RPCURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(rootAnchorABI))
	if err != nil {
		return nil, fmt.Errorf("anchor: parse ABI: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("anchor: parse private key: %w", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 200000
	}

	return &EVMClient{
		client:     client,
		contract:   common.HexToAddress(cfg.ContractAddress),
		abi:        parsed,
		privateKey: key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		gasLimit:   gasLimit,
		logger:     log.New(log.Writer(), "[EVMAnchor] ", log.LstdFlags),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *EVMClient) Close() {
	c.client.Close()
}

// SubmitRootHash sends submitRootHash(root) and waits for it to be
// mined. The response is assembled from the contract's own
// RootHashSubmitted event rather than from local state, so the witness
// chain reflects the ledger's total order even when several aggregator
// deployments share one contract.
func (c *EVMClient) SubmitRootHash(ctx context.Context, root []byte) (*Response, error) {
	if len(root) != 32 {
		return nil, fmt.Errorf("anchor: root must be 32 bytes, got %d", len(root))
	}
	var root32 [32]byte
	copy(root32[:], root)

	input, err := c.abi.Pack("submitRootHash", root32)
	if err != nil {
		return nil, fmt.Errorf("anchor: pack: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("anchor: nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("anchor: gas price: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, c.contract, big.NewInt(0), c.gasLimit, gasPrice, input)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("anchor: sign: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("anchor: send: %w", err)
	}
	c.logger.Printf("submitted root %x in tx %s", root, signed.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, c.client, signed)
	if err != nil {
		return nil, fmt.Errorf("anchor: wait mined: %w", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("anchor: tx %s reverted", signed.Hash().Hex())
	}

	resp, err := c.responseFromReceipt(ctx, receipt)
	if err != nil {
		return nil, err
	}
	c.logger.Printf("root %x anchored at block %d", root, receipt.BlockNumber.Uint64())
	return resp, nil
}

// responseFromReceipt extracts the previous-root witness and ledger
// timestamp from the RootHashSubmitted event, falling back to the mined
// block's header timestamp if the contract emitted none.
func (c *EVMClient) responseFromReceipt(ctx context.Context, receipt *ethtypes.Receipt) (*Response, error) {
	proof := append(receipt.TxHash.Bytes(), receipt.BlockHash.Bytes()...)

	eventID := c.abi.Events["RootHashSubmitted"].ID
	for _, logEntry := range receipt.Logs {
		if logEntry.Address != c.contract || len(logEntry.Topics) == 0 || logEntry.Topics[0] != eventID {
			continue
		}
		values, err := c.abi.Unpack("RootHashSubmitted", logEntry.Data)
		if err != nil {
			return nil, fmt.Errorf("anchor: unpack event: %w", err)
		}
		prev := values[0].([32]byte)
		ts := values[1].(*big.Int)

		var witness []byte
		if prev != ([32]byte{}) {
			witness = append([]byte(nil), prev[:]...)
		}
		return &Response{
			Proof:               proof,
			PreviousRootWitness: witness,
			Timestamp:           time.Unix(ts.Int64(), 0).UTC(),
		}, nil
	}

	header, err := c.client.HeaderByHash(ctx, receipt.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("anchor: header: %w", err)
	}
	prev, err := c.latestRootBefore(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, err
	}
	return &Response{
		Proof:               proof,
		PreviousRootWitness: prev,
		Timestamp:           time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

// latestRootBefore reads latestRootHash() as of the block before the
// submission landed.
func (c *EVMClient) latestRootBefore(ctx context.Context, blockNumber *big.Int) ([]byte, error) {
	input, err := c.abi.Pack("latestRootHash")
	if err != nil {
		return nil, fmt.Errorf("anchor: pack latestRootHash: %w", err)
	}
	at := new(big.Int).Sub(blockNumber, big.NewInt(1))
	out, err := c.client.CallContract(ctx, callMsg(c.contract, input), at)
	if err != nil {
		return nil, fmt.Errorf("anchor: call latestRootHash: %w", err)
	}
	values, err := c.abi.Unpack("latestRootHash", out)
	if err != nil {
		return nil, fmt.Errorf("anchor: unpack latestRootHash: %w", err)
	}
	root := values[0].([32]byte)
	if root == ([32]byte{}) {
		return nil, nil
	}
	return append([]byte(nil), root[:]...), nil
}

func callMsg(to common.Address, data []byte) goethereum.CallMsg {
	return goethereum.CallMsg{To: &to, Data: data}
}
