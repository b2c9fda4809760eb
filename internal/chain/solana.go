package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
)

const solanaPollInterval = 2 * time.Second

// SolanaConfig configures the Solana gateway.
type SolanaConfig struct {
	RPCURL    string
	KeySecret string
}

// SolanaGateway implements Gateway for Solana. The platform uses Solana as
// a read-and-receive chain: wallet generation, balances, address
// validation, and confirmation tracking are supported; outbound transfers
// and escrow contracts are not, and return ErrUnsupportedChain so callers
// route those flows through supported chains.
type SolanaGateway struct {
	rpcURL    string
	http      *http.Client
	keySecret string
	degraded  error
	reqID     int
}

var _ Gateway = (*SolanaGateway)(nil)

// NewSolana creates the Solana gateway.
func NewSolana(cfg SolanaConfig) *SolanaGateway {
	g := &SolanaGateway{
		rpcURL:    cfg.RPCURL,
		http:      &http.Client{Timeout: 30 * time.Second},
		keySecret: cfg.KeySecret,
	}
	if cfg.RPCURL == "" {
		g.degraded = fmt.Errorf("%w: no solana RPC configured", ErrProviderUnavailable)
	}
	return g
}

// ChainID returns the internal Solana chain identifier.
func (g *SolanaGateway) ChainID() int64 { return -3 }

// Degraded returns the startup failure, or nil when healthy.
func (g *SolanaGateway) Degraded() error { return g.degraded }

func (g *SolanaGateway) ready() error { return g.degraded }

func (g *SolanaGateway) call(ctx context.Context, method string, params []any, out any) error {
	g.reqID++
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      g.reqID,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return &CommError{Op: method, ChainID: g.ChainID(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &CommError{Op: method, ChainID: g.ChainID(), Err: err}
	}
	if envelope.Error != nil {
		return &CommError{Op: method, ChainID: g.ChainID(), Err: fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// GenerateWallet mints an ed25519 keypair; the seed is sealed under the
// keystore secret.
func (g *SolanaGateway) GenerateWallet(ctx context.Context) (*Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	encrypted, err := encryptKeyMaterial(g.keySecret, hex.EncodeToString(priv.Seed()))
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	return &Wallet{Address: base58.Encode(pub), EncryptedKey: encrypted}, nil
}

// Balance returns the SOL balance in lamports.
func (g *SolanaGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if !g.ValidateAddress(address) {
		return nil, ErrInvalidAddress
	}
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := g.call(ctx, "getBalance", []any{address}, &res); err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(res.Value), nil
}

// TokenBalance sums SPL token accounts owned by the address for the mint.
func (g *SolanaGateway) TokenBalance(ctx context.Context, token, address string) (*big.Int, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if !g.ValidateAddress(address) || !g.ValidateAddress(token) {
		return nil, ErrInvalidAddress
	}

	var res struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	err := g.call(ctx, "getTokenAccountsByOwner", []any{
		address,
		map[string]string{"mint": token},
		map[string]string{"encoding": "jsonParsed"},
	}, &res)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, acct := range res.Value {
		amt, ok := new(big.Int).SetString(acct.Account.Data.Parsed.Info.TokenAmount.Amount, 10)
		if ok {
			total.Add(total, amt)
		}
	}
	return total, nil
}

// TransferNative is not supported; Solana is receive-only for the
// custodial pool.
func (g *SolanaGateway) TransferNative(ctx context.Context, signerKey, to string, amount *big.Int) (string, error) {
	return "", fmt.Errorf("%w: solana transfers are not routed through this gateway", ErrUnsupportedChain)
}

// TransferToken is not supported; Solana is receive-only for the
// custodial pool.
func (g *SolanaGateway) TransferToken(ctx context.Context, signerKey, token, to string, amount *big.Int) (string, error) {
	return "", fmt.Errorf("%w: solana transfers are not routed through this gateway", ErrUnsupportedChain)
}

// CreateEscrow is not supported: escrow contracts are EVM-only.
func (g *SolanaGateway) CreateEscrow(ctx context.Context, p EscrowParties) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *SolanaGateway) FundEscrow(ctx context.Context, escrowAddr, signerKey string, amount *big.Int) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *SolanaGateway) ReleaseEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *SolanaGateway) RefundEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *SolanaGateway) EscrowDetails(ctx context.Context, escrowAddr string) (*EscrowDetails, error) {
	return nil, fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

// ValidateAddress checks for a base58-encoded 32-byte public key.
func (g *SolanaGateway) ValidateAddress(address string) bool {
	decoded := base58.Decode(address)
	return len(decoded) == ed25519.PublicKeySize
}

// WaitForTransaction polls signature statuses until the requested
// confirmation count (or finalization) is observed.
func (g *SolanaGateway) WaitForTransaction(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*Receipt, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(solanaPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: tx %s", ErrConfirmTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			var res struct {
				Value []*struct {
					Slot               uint64  `json:"slot"`
					Confirmations      *uint64 `json:"confirmations"`
					ConfirmationStatus string  `json:"confirmationStatus"`
					Err                any     `json:"err"`
				} `json:"value"`
			}
			err := g.call(ctx, "getSignatureStatuses", []any{
				[]string{txHash},
				map[string]bool{"searchTransactionHistory": true},
			}, &res)
			if err != nil {
				return nil, err
			}
			if len(res.Value) == 0 || res.Value[0] == nil {
				continue
			}
			status := res.Value[0]
			if status.Err != nil {
				return nil, fmt.Errorf("%w: tx %s", ErrTxFailed, txHash)
			}

			// A finalized signature has nil confirmations in the RPC
			// response, meaning "max".
			confs := confirmations
			if status.Confirmations != nil {
				confs = *status.Confirmations
			}
			if status.ConfirmationStatus != "finalized" && confs < confirmations {
				continue
			}
			return &Receipt{
				TxHash:        txHash,
				Success:       true,
				BlockNumber:   status.Slot,
				Confirmations: confs,
			}, nil
		}
	}
}
