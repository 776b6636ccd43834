package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"edupay/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthLedger talks to the deployed TuitionEscrow contract and its stablecoin.
// It signs with a single key, so payer/caller arguments must match the
// configured sender; authorization beyond that is enforced on-chain.
type EthLedger struct {
	client     *ethclient.Client
	escrow     *bind.BoundContract
	token      *bind.BoundContract
	escrowABI  abi.ABI
	escrowAddr common.Address
	tokenAddr  common.Address
	chainID    *big.Int
	transacts  *bind.TransactOpts
	sender     common.Address
	poll       time.Duration
}

type EthLedgerConfig struct {
	RPCURL        string
	PrivateKeyHex string
	EscrowAddress string
	TokenAddress  string
	PollInterval  time.Duration
}

func NewEthLedger(ctx context.Context, cfg EthLedgerConfig) (*EthLedger, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.EscrowAddress == "" {
		return nil, fmt.Errorf("escrow address is required")
	}
	if cfg.TokenAddress == "" {
		return nil, fmt.Errorf("stablecoin address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transactions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	escrowABI, err := abi.JSON(strings.NewReader(contracts.TuitionEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	escrowAddr := common.HexToAddress(cfg.EscrowAddress)
	tokenAddr := common.HexToAddress(cfg.TokenAddress)

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &EthLedger{
		client:     cli,
		escrow:     bind.NewBoundContract(escrowAddr, escrowABI, cli, cli, cli),
		token:      bind.NewBoundContract(tokenAddr, tokenABI, cli, cli, cli),
		escrowABI:  escrowABI,
		escrowAddr: escrowAddr,
		tokenAddr:  tokenAddr,
		chainID:    chainID,
		transacts:  txOpts,
		sender:     crypto.PubkeyToAddress(pk.PublicKey),
		poll:       poll,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Sender is the address this ledger signs with.
func (c *EthLedger) Sender() common.Address { return c.sender }

// Address is the escrow contract address, i.e. the spender to approve.
func (c *EthLedger) Address() common.Address { return c.escrowAddr }

func (c *EthLedger) Stage(ctx context.Context, payer common.Address, amount *big.Int, institution, invoiceRef string) (uint64, error) {
	if payer != c.sender {
		return 0, fmt.Errorf("payer %s does not match signing key %s", payer.Hex(), c.sender.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrAmountNotPositive
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.escrow.Transact(&opts, "stage", amount, institution, invoiceRef)
	if err != nil {
		return 0, fmt.Errorf("stage tx: %w", err)
	}

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return 0, err
	}

	if id, ok := c.stagedID(receipt); ok {
		return id, nil
	}
	// Old deployments may not emit PaymentStaged; the record is last in the
	// list either way.
	payments, err := c.GetPayments(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve staged id: %w", err)
	}
	if len(payments) == 0 {
		return 0, fmt.Errorf("stage confirmed but no payments on ledger")
	}
	return payments[len(payments)-1].ID, nil
}

func (c *EthLedger) stagedID(receipt *types.Receipt) (uint64, bool) {
	topic := c.escrowABI.Events["PaymentStaged"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != c.escrowAddr || len(lg.Topics) < 2 || lg.Topics[0] != topic {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(), true
	}
	return 0, false
}

func (c *EthLedger) Release(ctx context.Context, caller common.Address, id uint64, destination common.Address) error {
	if caller != c.sender {
		return ErrUnauthorized
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.escrow.Transact(&opts, "release", new(big.Int).SetUint64(id), destination)
	if err != nil {
		return fmt.Errorf("release tx: %w", err)
	}
	_, err = c.waitMined(ctx, tx)
	return err
}

func (c *EthLedger) Refund(ctx context.Context, caller common.Address, id uint64) error {
	if caller != c.sender {
		return ErrUnauthorized
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.escrow.Transact(&opts, "refund", new(big.Int).SetUint64(id))
	if err != nil {
		return fmt.Errorf("refund tx: %w", err)
	}
	_, err = c.waitMined(ctx, tx)
	return err
}

// rawPayment mirrors the contract's Payment struct for ABI decoding.
type rawPayment struct {
	Id                 *big.Int
	Payer              common.Address
	Amount             *big.Int
	Institution        string
	InvoiceRef         string
	Status             uint8
	ReleaseDestination common.Address
}

func (c *EthLedger) GetPayments(ctx context.Context) ([]PaymentRecord, error) {
	var out []interface{}
	if err := c.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "getPayments"); err != nil {
		return nil, fmt.Errorf("getPayments: %w", err)
	}
	raws := *abi.ConvertType(out[0], new([]rawPayment)).(*[]rawPayment)

	records := make([]PaymentRecord, 0, len(raws))
	for _, raw := range raws {
		rec := PaymentRecord{
			ID:          raw.Id.Uint64(),
			Payer:       raw.Payer,
			Amount:      new(big.Int).Set(raw.Amount),
			Institution: raw.Institution,
			InvoiceRef:  raw.InvoiceRef,
			Status:      Status(raw.Status),
		}
		if rec.Status == StatusReleased {
			dest := raw.ReleaseDestination
			rec.ReleaseDestination = &dest
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *EthLedger) CheckAllowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, c.escrowAddr); err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Approve broadcasts an exact-amount stablecoin approval for the escrow and
// returns the tx hash as the confirmation handle.
func (c *EthLedger) Approve(ctx context.Context, owner common.Address, amount *big.Int) (string, error) {
	if owner != c.sender {
		return "", fmt.Errorf("owner %s does not match signing key %s", owner.Hex(), c.sender.Hex())
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.token.Transact(&opts, "approve", c.escrowAddr, amount)
	if err != nil {
		return "", fmt.Errorf("approve tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitConfirmed polls until the transaction behind handle is mined or the
// context ends.
func (c *EthLedger) WaitConfirmed(ctx context.Context, handle string) error {
	if len(handle) != 66 || !strings.HasPrefix(handle, "0x") {
		return fmt.Errorf("invalid tx handle %q", handle)
	}
	hash := common.HexToHash(handle)

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted", handle)
			}
			return nil
		}
		if err != nil && err.Error() != "not found" {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthLedger) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
			}
			return receipt, nil
		}
		if err != nil && err.Error() != "not found" {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthLedger) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
