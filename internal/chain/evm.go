package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
)

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// Escrow factory: deploys one escrow contract per transaction and emits
// EscrowCreated with the new contract address.
const escrowFactoryABI = `[
	{"inputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"arbiter","type":"address"},{"name":"amount","type":"uint256"},{"name":"token","type":"address"}],"name":"createEscrow","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrow","type":"address"},{"indexed":true,"name":"buyer","type":"address"},{"indexed":true,"name":"seller","type":"address"}],"name":"EscrowCreated","type":"event"}
]`

// Per-escrow contract surface used by the platform.
const escrowABI = `[
	{"inputs":[],"name":"fund","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[],"name":"release","outputs":[],"type":"function"},
	{"inputs":[],"name":"refund","outputs":[],"type":"function"},
	{"inputs":[],"name":"getDetails","outputs":[{"name":"state","type":"uint8"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"}],"type":"function"}
]`

var escrowCreatedTopic = crypto.Keccak256Hash([]byte("EscrowCreated(address,address,address)"))

const (
	evmGasLimit         = uint64(300000)
	evmPollInterval     = 2 * time.Second
	DefaultWaitTimeout  = 5 * time.Minute
	keystoreLightScrypt = true // custodial keys are re-encrypted at rest; light params keep generation fast
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// EVMConfig configures an EVM-family gateway.
type EVMConfig struct {
	ChainID       int64
	RPCURL        string
	EscrowFactory string
	OperatorKey   string // hex private key submitting factory transactions
	KeySecret     string // passphrase used to encrypt generated wallet keys
}

// EVMOption configures the gateway.
type EVMOption func(*EVMGateway)

// WithEthClient sets a custom client (useful for testing).
func WithEthClient(client EthClient) EVMOption {
	return func(g *EVMGateway) { g.client = client }
}

// EVMGateway implements Gateway for Ethereum-family chains
// (Ethereum, BNB Chain, Polygon).
type EVMGateway struct {
	chainID     *big.Int
	client      EthClient
	factory     common.Address
	operatorKey string
	keySecret   string
	erc20       abi.ABI
	factoryABI  abi.ABI
	escrow      abi.ABI
	degraded    error
}

var _ Gateway = (*EVMGateway)(nil)

// NewEVM creates an EVM gateway. A dial failure does not return an error;
// the gateway comes up degraded and every call fails fast with
// ErrProviderUnavailable until the process is restarted with a working
// endpoint.
func NewEVM(cfg EVMConfig, opts ...EVMOption) *EVMGateway {
	g := &EVMGateway{
		chainID:     big.NewInt(cfg.ChainID),
		factory:     common.HexToAddress(cfg.EscrowFactory),
		operatorKey: cfg.OperatorKey,
		keySecret:   cfg.KeySecret,
	}

	g.erc20 = mustABI(erc20ABI)
	g.factoryABI = mustABI(escrowFactoryABI)
	g.escrow = mustABI(escrowABI)

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		if cfg.RPCURL == "" {
			g.degraded = fmt.Errorf("%w: no RPC URL configured for chain %d", ErrProviderUnavailable, cfg.ChainID)
			return g
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			g.degraded = fmt.Errorf("%w: dial %d: %v", ErrProviderUnavailable, cfg.ChainID, err)
			return g
		}
		g.client = client
	}

	return g
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: bad embedded ABI: " + err.Error())
	}
	return parsed
}

// ChainID returns the EVM chain ID.
func (g *EVMGateway) ChainID() int64 { return g.chainID.Int64() }

// Degraded returns the startup failure, or nil when the gateway is healthy.
func (g *EVMGateway) Degraded() error { return g.degraded }

func (g *EVMGateway) ready() error {
	if g.degraded != nil {
		return g.degraded
	}
	return nil
}

// GenerateWallet creates a fresh keypair and returns the address plus the
// key encrypted with the platform keystore secret (go-ethereum keystore
// JSON format).
func (g *EVMGateway) GenerateWallet(ctx context.Context) (*Wallet, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	addr := crypto.PubkeyToAddress(priv.PublicKey)
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    addr,
		PrivateKey: priv,
	}

	scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
	if keystoreLightScrypt {
		scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	}
	encrypted, err := keystore.EncryptKey(key, g.keySecret, scryptN, scryptP)
	if err != nil {
		return nil, fmt.Errorf("encrypt key: %w", err)
	}

	return &Wallet{Address: addr.Hex(), EncryptedKey: string(encrypted)}, nil
}

// Balance returns the native coin balance in wei.
func (g *EVMGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if !g.ValidateAddress(address) {
		return nil, ErrInvalidAddress
	}
	bal, err := g.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, &CommError{Op: "balance", ChainID: g.ChainID(), Err: err}
	}
	return bal, nil
}

// TokenBalance returns an ERC-20 balance in the token's smallest unit.
func (g *EVMGateway) TokenBalance(ctx context.Context, token, address string) (*big.Int, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if !g.ValidateAddress(address) || !g.ValidateAddress(token) {
		return nil, ErrInvalidAddress
	}

	data, err := g.erc20.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	tokenAddr := common.HexToAddress(token)
	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, &CommError{Op: "token_balance", ChainID: g.ChainID(), Err: err}
	}
	return new(big.Int).SetBytes(result), nil
}

// TransferNative sends native coin from the signer to a recipient.
func (g *EVMGateway) TransferNative(ctx context.Context, signerKey, to string, amount *big.Int) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	if !g.ValidateAddress(to) {
		return "", ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	toAddr := common.HexToAddress(to)
	return g.sendTx(ctx, signerKey, &toAddr, amount, nil)
}

// TransferToken sends an ERC-20 amount from the signer to a recipient.
func (g *EVMGateway) TransferToken(ctx context.Context, signerKey, token, to string, amount *big.Int) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	if !g.ValidateAddress(to) || !g.ValidateAddress(token) {
		return "", ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}

	data, err := g.erc20.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}
	tokenAddr := common.HexToAddress(token)
	return g.sendTx(ctx, signerKey, &tokenAddr, big.NewInt(0), data)
}

// CreateEscrow deploys a new escrow through the factory and returns the
// escrow contract address extracted from the EscrowCreated event.
func (g *EVMGateway) CreateEscrow(ctx context.Context, p EscrowParties) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	if (g.factory == common.Address{}) {
		return "", fmt.Errorf("%w: no escrow factory on chain %d", ErrUnsupportedChain, g.ChainID())
	}
	if !g.ValidateAddress(p.Buyer) || !g.ValidateAddress(p.Seller) || !g.ValidateAddress(p.Arbiter) {
		return "", ErrInvalidAddress
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}

	token := common.Address{} // zero address = native coin escrow
	if p.Token != "" {
		if !g.ValidateAddress(p.Token) {
			return "", ErrInvalidAddress
		}
		token = common.HexToAddress(p.Token)
	}

	data, err := g.factoryABI.Pack("createEscrow",
		common.HexToAddress(p.Buyer),
		common.HexToAddress(p.Seller),
		common.HexToAddress(p.Arbiter),
		p.Amount,
		token,
	)
	if err != nil {
		return "", fmt.Errorf("pack createEscrow: %w", err)
	}

	return g.createEscrowTx(ctx, data)
}

// createEscrowTx submits the factory call with the operator key and waits
// for the receipt to extract the new escrow address.
func (g *EVMGateway) createEscrowTx(ctx context.Context, data []byte) (string, error) {
	txHash, err := g.sendTx(ctx, g.operatorKey, &g.factory, big.NewInt(0), data)
	if err != nil {
		return "", err
	}

	receipt, err := g.WaitForTransaction(ctx, txHash, 1, DefaultWaitTimeout)
	if err != nil {
		return "", err
	}
	if !receipt.Success {
		return "", &CommError{Op: "create_escrow", ChainID: g.ChainID(), Err: ErrTxFailed}
	}

	raw, err := g.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return "", &CommError{Op: "create_escrow_receipt", ChainID: g.ChainID(), Err: err}
	}
	for _, lg := range raw.Logs {
		if lg.Address == g.factory && len(lg.Topics) >= 2 && lg.Topics[0] == escrowCreatedTopic {
			return common.BytesToAddress(lg.Topics[1].Bytes()).Hex(), nil
		}
	}
	return "", &CommError{Op: "create_escrow", ChainID: g.ChainID(), Err: fmt.Errorf("no EscrowCreated event in receipt")}
}

// FundEscrow calls fund() on the escrow, attaching value for native escrows.
func (g *EVMGateway) FundEscrow(ctx context.Context, escrowAddr, signerKey string, amount *big.Int) (string, error) {
	return g.escrowCall(ctx, escrowAddr, signerKey, "fund", amount)
}

// ReleaseEscrow calls release() on the escrow.
func (g *EVMGateway) ReleaseEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return g.escrowCall(ctx, escrowAddr, signerKey, "release", big.NewInt(0))
}

// RefundEscrow calls refund() on the escrow.
func (g *EVMGateway) RefundEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return g.escrowCall(ctx, escrowAddr, signerKey, "refund", big.NewInt(0))
}

func (g *EVMGateway) escrowCall(ctx context.Context, escrowAddr, signerKey, method string, value *big.Int) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	if !g.ValidateAddress(escrowAddr) {
		return "", ErrInvalidAddress
	}

	data, err := g.escrow.Pack(method)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", method, err)
	}
	to := common.HexToAddress(escrowAddr)
	return g.sendTx(ctx, signerKey, &to, value, data)
}

// EscrowDetails reads the escrow contract state.
func (g *EVMGateway) EscrowDetails(ctx context.Context, escrowAddr string) (*EscrowDetails, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if !g.ValidateAddress(escrowAddr) {
		return nil, ErrInvalidAddress
	}

	data, err := g.escrow.Pack("getDetails")
	if err != nil {
		return nil, fmt.Errorf("pack getDetails: %w", err)
	}
	to := common.HexToAddress(escrowAddr)
	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, &CommError{Op: "escrow_details", ChainID: g.ChainID(), Err: err}
	}

	vals, err := g.escrow.Unpack("getDetails", result)
	if err != nil || len(vals) != 4 {
		return nil, &CommError{Op: "escrow_details", ChainID: g.ChainID(), Err: fmt.Errorf("unpack: %v", err)}
	}

	state, _ := vals[0].(uint8)
	buyer, _ := vals[1].(common.Address)
	seller, _ := vals[2].(common.Address)
	amount, _ := vals[3].(*big.Int)

	return &EscrowDetails{
		State:  EscrowState(state),
		Buyer:  buyer.Hex(),
		Seller: seller.Hex(),
		Amount: amount,
	}, nil
}

// ValidateAddress reports whether the address is a well-formed, checksummable
// EVM address.
func (g *EVMGateway) ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// WaitForTransaction polls for the receipt until the confirmation threshold
// is reached. RPC failures surface immediately as *CommError; the caller
// (or the confirm watcher) decides whether to re-poll.
func (g *EVMGateway) WaitForTransaction(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*Receipt, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}

	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(evmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: tx %s", ErrConfirmTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				if err == ethereum.NotFound {
					continue // not yet mined
				}
				return nil, &CommError{Op: "receipt", ChainID: g.ChainID(), Err: err}
			}

			head, err := g.client.BlockNumber(ctx)
			if err != nil {
				return nil, &CommError{Op: "block_number", ChainID: g.ChainID(), Err: err}
			}

			mined := receipt.BlockNumber.Uint64()
			var confs uint64
			if head >= mined {
				confs = head - mined + 1
			}
			if confs < confirmations {
				continue
			}

			out := &Receipt{
				TxHash:        txHash,
				Success:       receipt.Status == types.ReceiptStatusSuccessful,
				BlockNumber:   mined,
				Confirmations: confs,
			}
			// Token fundings carry the effective recipient and amount in
			// the Transfer log, not in the transaction envelope: tx.To is
			// the token contract and tx.Value is zero there. Only native
			// transfers fall back to the envelope fields.
			if to, amount, ok := erc20TransferDetails(receipt.Logs); ok {
				out.To = to
				out.Amount = amount
			} else if tx, _, err := g.client.TransactionByHash(ctx, hash); err == nil && tx != nil {
				if tx.To() != nil {
					out.To = tx.To().Hex()
				}
				out.Amount = tx.Value()
			}
			return out, nil
		}
	}
}

// erc20TransferDetails extracts the recipient and value from the Transfer
// event a token funding emitted. Returns false when the receipt has no
// Transfer log (native transfer, plain contract call).
func erc20TransferDetails(logs []*types.Log) (string, *big.Int, bool) {
	for _, lg := range logs {
		if len(lg.Topics) == 3 && lg.Topics[0] == transferEventSig {
			to := common.BytesToAddress(lg.Topics[2].Bytes())
			return to.Hex(), new(big.Int).SetBytes(lg.Data), true
		}
	}
	return "", nil, false
}

func (g *EVMGateway) sendTx(ctx context.Context, signerKey string, to *common.Address, value *big.Int, data []byte) (string, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(signerKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signer key: %w", err)
	}
	from := crypto.PubkeyToAddress(*priv.Public().(*ecdsa.PublicKey))

	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", &CommError{Op: "nonce", ChainID: g.ChainID(), Err: err}
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &CommError{Op: "gas_price", ChainID: g.ChainID(), Err: err}
	}

	msg := ethereum.CallMsg{From: from, To: to, Value: value, Data: data}
	gasLimit, err := g.client.EstimateGas(ctx, msg)
	if err != nil {
		gasLimit = evmGasLimit
	}

	if value == nil {
		value = big.NewInt(0)
	}
	var tx *types.Transaction
	if to != nil {
		tx = types.NewTransaction(nonce, *to, value, gasLimit, gasPrice, data)
	} else {
		tx = types.NewContractCreation(nonce, value, gasLimit, gasPrice, data)
	}

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), priv)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &CommError{Op: "send", ChainID: g.ChainID(), Err: err}
	}
	return signedTx.Hash().Hex(), nil
}

// DecryptWallet recovers a custodial private key previously produced by
// GenerateWallet.
func (g *EVMGateway) DecryptWallet(encrypted string) (string, error) {
	key, err := keystore.DecryptKey([]byte(encrypted), g.keySecret)
	if err != nil {
		return "", fmt.Errorf("decrypt key: %w", err)
	}
	return common.Bytes2Hex(crypto.FromECDSA(key.PrivateKey)), nil
}
