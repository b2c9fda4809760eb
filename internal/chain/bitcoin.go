package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

const btcPollInterval = 30 * time.Second

// BitcoinConfig configures the Bitcoin gateway. The node's wallet signs
// outgoing transactions; the gateway never holds UTXO state itself.
type BitcoinConfig struct {
	Host      string // host:port of the bitcoind RPC endpoint
	User      string
	Pass      string
	Testnet   bool
	KeySecret string
}

// BitcoinRPC is the subset of the bitcoind wallet RPC the gateway uses.
type BitcoinRPC interface {
	ListUnspentMinMaxAddresses(minConf, maxConf int, addrs []btcutil.Address) ([]ListUnspentResult, error)
	SendToAddress(address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error)
	GetTransactionConfirmations(txHash *chainhash.Hash) (int64, bool, error)
}

// ListUnspentResult is the UTXO summary the gateway needs for balances.
type ListUnspentResult struct {
	TxID    string
	Amount  float64 // BTC, as reported by the node
	Address string
}

// rpcClientAdapter wraps *rpcclient.Client behind BitcoinRPC.
type rpcClientAdapter struct {
	c *rpcclient.Client
}

func (a *rpcClientAdapter) ListUnspentMinMaxAddresses(minConf, maxConf int, addrs []btcutil.Address) ([]ListUnspentResult, error) {
	utxos, err := a.c.ListUnspentMinMaxAddresses(minConf, maxConf, addrs)
	if err != nil {
		return nil, err
	}
	out := make([]ListUnspentResult, 0, len(utxos))
	for _, u := range utxos {
		out = append(out, ListUnspentResult{TxID: u.TxID, Amount: u.Amount, Address: u.Address})
	}
	return out, nil
}

func (a *rpcClientAdapter) SendToAddress(address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error) {
	return a.c.SendToAddress(address, amount)
}

func (a *rpcClientAdapter) GetTransactionConfirmations(txHash *chainhash.Hash) (int64, bool, error) {
	res, err := a.c.GetTransaction(txHash)
	if err != nil {
		return 0, false, err
	}
	// bitcoind reports negative confirmations for conflicted transactions.
	return res.Confirmations, res.Confirmations >= 0, nil
}

// BitcoinGateway implements Gateway for Bitcoin. Token and escrow contract
// operations are not expressible on Bitcoin and return ErrUnsupportedChain.
type BitcoinGateway struct {
	rpc       BitcoinRPC
	params    *chaincfg.Params
	keySecret string
	degraded  error
}

var _ Gateway = (*BitcoinGateway)(nil)

// BitcoinOption configures the gateway.
type BitcoinOption func(*BitcoinGateway)

// WithBitcoinRPC sets a custom RPC client (useful for testing).
func WithBitcoinRPC(rpc BitcoinRPC) BitcoinOption {
	return func(g *BitcoinGateway) { g.rpc = rpc }
}

// NewBitcoin creates the Bitcoin gateway. Connection failure leaves the
// gateway degraded rather than failing the process.
func NewBitcoin(cfg BitcoinConfig, opts ...BitcoinOption) *BitcoinGateway {
	params := &chaincfg.MainNetParams
	if cfg.Testnet {
		params = &chaincfg.TestNet3Params
	}

	g := &BitcoinGateway{params: params, keySecret: cfg.KeySecret}
	for _, opt := range opts {
		opt(g)
	}

	if g.rpc == nil {
		if cfg.Host == "" {
			g.degraded = fmt.Errorf("%w: no bitcoin RPC configured", ErrProviderUnavailable)
			return g
		}
		client, err := rpcclient.New(&rpcclient.ConnConfig{
			Host:         cfg.Host,
			User:         cfg.User,
			Pass:         cfg.Pass,
			HTTPPostMode: true,
			DisableTLS:   true,
		}, nil)
		if err != nil {
			g.degraded = fmt.Errorf("%w: bitcoin dial: %v", ErrProviderUnavailable, err)
			return g
		}
		g.rpc = &rpcClientAdapter{c: client}
	}

	return g
}

// ChainID returns the internal Bitcoin chain identifier.
func (g *BitcoinGateway) ChainID() int64 { return -1 }

// Degraded returns the startup failure, or nil when healthy.
func (g *BitcoinGateway) Degraded() error { return g.degraded }

func (g *BitcoinGateway) ready() error { return g.degraded }

// GenerateWallet derives a fresh P2WPKH address and returns the WIF sealed
// under the keystore secret.
func (g *BitcoinGateway) GenerateWallet(ctx context.Context) (*Wallet, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	wif, err := btcutil.NewWIF(priv, g.params, true)
	if err != nil {
		return nil, fmt.Errorf("encode wif: %w", err)
	}

	pubHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubHash, g.params)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}

	encrypted, err := encryptKeyMaterial(g.keySecret, wif.String())
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}

	return &Wallet{Address: addr.EncodeAddress(), EncryptedKey: encrypted}, nil
}

// Balance sums confirmed UTXOs for the address, in satoshis.
func (g *BitcoinGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(address, g.params)
	if err != nil {
		return nil, ErrInvalidAddress
	}

	utxos, err := g.rpc.ListUnspentMinMaxAddresses(1, 9999999, []btcutil.Address{addr})
	if err != nil {
		return nil, &CommError{Op: "list_unspent", ChainID: g.ChainID(), Err: err}
	}

	total := btcutil.Amount(0)
	for _, u := range utxos {
		amt, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			continue
		}
		total += amt
	}
	return big.NewInt(int64(total)), nil
}

// TokenBalance is not supported on Bitcoin.
func (g *BitcoinGateway) TokenBalance(ctx context.Context, token, address string) (*big.Int, error) {
	return nil, fmt.Errorf("%w: no tokens on bitcoin", ErrUnsupportedChain)
}

// TransferNative sends satoshis via the node wallet. The signerKey argument
// is unused: the node's loaded wallet signs.
func (g *BitcoinGateway) TransferNative(ctx context.Context, signerKey, to string, amount *big.Int) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	addr, err := btcutil.DecodeAddress(to, g.params)
	if err != nil {
		return "", ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 || !amount.IsInt64() {
		return "", ErrInvalidAmount
	}

	hash, err := g.rpc.SendToAddress(addr, btcutil.Amount(amount.Int64()))
	if err != nil {
		return "", &CommError{Op: "send_to_address", ChainID: g.ChainID(), Err: err}
	}
	return hash.String(), nil
}

// TransferToken is not supported on Bitcoin.
func (g *BitcoinGateway) TransferToken(ctx context.Context, signerKey, token, to string, amount *big.Int) (string, error) {
	return "", fmt.Errorf("%w: no tokens on bitcoin", ErrUnsupportedChain)
}

// CreateEscrow is not supported: escrow contracts are EVM-only.
func (g *BitcoinGateway) CreateEscrow(ctx context.Context, p EscrowParties) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *BitcoinGateway) FundEscrow(ctx context.Context, escrowAddr, signerKey string, amount *big.Int) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *BitcoinGateway) ReleaseEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *BitcoinGateway) RefundEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *BitcoinGateway) EscrowDetails(ctx context.Context, escrowAddr string) (*EscrowDetails, error) {
	return nil, fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

// ValidateAddress reports whether the address parses for the configured
// network.
func (g *BitcoinGateway) ValidateAddress(address string) bool {
	addr, err := btcutil.DecodeAddress(address, g.params)
	if err != nil {
		return false
	}
	return addr.IsForNet(g.params)
}

// WaitForTransaction polls wallet confirmations for the transaction.
func (g *BitcoinGateway) WaitForTransaction(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*Receipt, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txHash)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(btcPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: tx %s", ErrConfirmTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			confs, ok, err := g.rpc.GetTransactionConfirmations(hash)
			if err != nil {
				return nil, &CommError{Op: "get_transaction", ChainID: g.ChainID(), Err: err}
			}
			if !ok {
				return nil, fmt.Errorf("%w: tx %s conflicted", ErrTxFailed, txHash)
			}
			if uint64(confs) < confirmations {
				continue
			}
			return &Receipt{
				TxHash:        txHash,
				Success:       true,
				Confirmations: uint64(confs),
			}, nil
		}
	}
}

// DecryptWallet recovers a WIF produced by GenerateWallet.
func (g *BitcoinGateway) DecryptWallet(encrypted string) (string, error) {
	return decryptKeyMaterial(g.keySecret, encrypted)
}
