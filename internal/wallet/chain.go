package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Transfer is one decoded USDC Transfer event.
type Transfer struct {
	From  string
	To    string
	Value *big.Int
}

// TxInfo is the chain's view of a transaction.
type TxInfo struct {
	Mined       bool
	Succeeded   bool
	BlockNumber uint64
	Transfers   []Transfer
}

// Chain is the contract the wallet service holds against the blockchain
// RPC collaborator. Implemented by EthChain; stubbed in tests.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionInfo(ctx context.Context, txHash string) (*TxInfo, error)
	SendUSDC(ctx context.Context, treasuryKeyHex, toAddress string, amount *big.Int) (txHash string, err error)
}

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthChain talks to an EVM chain over JSON-RPC and decodes USDC Transfer
// logs for the configured contract.
type EthChain struct {
	client  *ethclient.Client
	usdc    common.Address
	chainID *big.Int
}

func NewEthChain(ctx context.Context, rpcURL, usdcContract string, chainID int64) (*EthChain, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("blockchain RPC URL is not configured")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain RPC: %w", err)
	}
	if !common.IsHexAddress(usdcContract) {
		return nil, fmt.Errorf("invalid USDC contract address %q", usdcContract)
	}
	return &EthChain{
		client:  client,
		usdc:    common.HexToAddress(usdcContract),
		chainID: big.NewInt(chainID),
	}, nil
}

func (c *EthChain) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

func (c *EthChain) TransactionInfo(ctx context.Context, txHash string) (*TxInfo, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		// Not-yet-mined surfaces as not found; treat it as pending.
		if strings.Contains(err.Error(), "not found") {
			return &TxInfo{Mined: false}, nil
		}
		return nil, fmt.Errorf("transaction receipt: %w", err)
	}
	info := &TxInfo{
		Mined:       true,
		Succeeded:   receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	for _, lg := range receipt.Logs {
		if lg.Address != c.usdc || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		info.Transfers = append(info.Transfers, Transfer{
			From:  common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
			To:    common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Value: new(big.Int).SetBytes(lg.Data),
		})
	}
	return info, nil
}

// SendUSDC broadcasts an ERC-20 transfer of amount from the treasury to
// the destination and returns the transaction hash.
func (c *EthChain) SendUSDC(ctx context.Context, treasuryKeyHex, toAddress string, amount *big.Int) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(treasuryKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("treasury key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if !common.IsHexAddress(toAddress) {
		return "", fmt.Errorf("invalid destination address %q", toAddress)
	}

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	data := transferCalldata(common.HexToAddress(toAddress), amount)
	tx := types.NewTransaction(nonce, c.usdc, big.NewInt(0), 100_000, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// transferCalldata builds transfer(address,uint256) calldata.
func transferCalldata(to common.Address, amount *big.Int) []byte {
	selector := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	data := make([]byte, 0, 4+32+32)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
