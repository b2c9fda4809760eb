package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// tronAddressVersion is the base58check version byte for Tron mainnet.
const tronAddressVersion = 0x41

const tronPollInterval = 3 * time.Second

// TronConfig configures the Tron gateway. The gateway talks to a trusted
// private full node over its HTTP wallet API; transaction signing happens
// on that node (wallet/gettransactionsign), so the RPC endpoint must never
// be a public one.
type TronConfig struct {
	RPCURL    string
	KeySecret string
}

// TronGateway implements Gateway for Tron. Escrow contract operations are
// EVM-only and return ErrUnsupportedChain.
type TronGateway struct {
	rpcURL    string
	http      *http.Client
	keySecret string
	degraded  error
}

var _ Gateway = (*TronGateway)(nil)

// NewTron creates the Tron gateway.
func NewTron(cfg TronConfig) *TronGateway {
	g := &TronGateway{
		rpcURL:    strings.TrimSuffix(cfg.RPCURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		keySecret: cfg.KeySecret,
	}
	if cfg.RPCURL == "" {
		g.degraded = fmt.Errorf("%w: no tron RPC configured", ErrProviderUnavailable)
	}
	return g
}

// ChainID returns the internal Tron chain identifier.
func (g *TronGateway) ChainID() int64 { return -2 }

// Degraded returns the startup failure, or nil when healthy.
func (g *TronGateway) Degraded() error { return g.degraded }

func (g *TronGateway) ready() error { return g.degraded }

func (g *TronGateway) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.rpcURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return &CommError{Op: path, ChainID: g.ChainID(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &CommError{Op: path, ChainID: g.ChainID(), Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CommError{Op: path, ChainID: g.ChainID(), Err: err}
	}
	return nil
}

// GenerateWallet is handled by the custodial node wallet for Tron; the
// platform does not mint Tron keys locally.
func (g *TronGateway) GenerateWallet(ctx context.Context) (*Wallet, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	var res struct {
		Address    string `json:"address"`
		PrivateKey string `json:"privateKey"`
	}
	if err := g.post(ctx, "/wallet/generateaddress", map[string]any{}, &res); err != nil {
		return nil, err
	}
	if res.Address == "" {
		return nil, &CommError{Op: "generateaddress", ChainID: g.ChainID(), Err: fmt.Errorf("empty response")}
	}
	encrypted, err := encryptKeyMaterial(g.keySecret, res.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	return &Wallet{Address: res.Address, EncryptedKey: encrypted}, nil
}

// Balance returns the TRX balance in sun.
func (g *TronGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if !g.ValidateAddress(address) {
		return nil, ErrInvalidAddress
	}
	var res struct {
		Balance int64 `json:"balance"`
	}
	if err := g.post(ctx, "/wallet/getaccount", map[string]any{"address": address, "visible": true}, &res); err != nil {
		return nil, err
	}
	return big.NewInt(res.Balance), nil
}

// TokenBalance reads a TRC-20 balance via a constant contract call.
func (g *TronGateway) TokenBalance(ctx context.Context, token, address string) (*big.Int, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if !g.ValidateAddress(address) || !g.ValidateAddress(token) {
		return nil, ErrInvalidAddress
	}

	param := common.LeftPadBytes(tronAddressPayload(address), 32)
	var res struct {
		ConstantResult []string `json:"constant_result"`
	}
	err := g.post(ctx, "/wallet/triggerconstantcontract", map[string]any{
		"owner_address":     address,
		"contract_address":  token,
		"function_selector": "balanceOf(address)",
		"parameter":         hex.EncodeToString(param),
		"visible":           true,
	}, &res)
	if err != nil {
		return nil, err
	}
	if len(res.ConstantResult) == 0 {
		return nil, &CommError{Op: "trc20_balance", ChainID: g.ChainID(), Err: fmt.Errorf("empty result")}
	}
	raw, err := hex.DecodeString(res.ConstantResult[0])
	if err != nil {
		return nil, &CommError{Op: "trc20_balance", ChainID: g.ChainID(), Err: err}
	}
	return new(big.Int).SetBytes(raw), nil
}

// TransferNative moves TRX via the node wallet API: create, node-side sign,
// broadcast.
func (g *TronGateway) TransferNative(ctx context.Context, signerKey, to string, amount *big.Int) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	if !g.ValidateAddress(to) {
		return "", ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 || !amount.IsInt64() {
		return "", ErrInvalidAmount
	}

	ownerAddr, err := tronAddressFromKey(signerKey)
	if err != nil {
		return "", err
	}

	var unsigned map[string]any
	err = g.post(ctx, "/wallet/createtransaction", map[string]any{
		"owner_address": ownerAddr,
		"to_address":    to,
		"amount":        amount.Int64(),
		"visible":       true,
	}, &unsigned)
	if err != nil {
		return "", err
	}
	if _, ok := unsigned["txID"]; !ok {
		return "", &CommError{Op: "createtransaction", ChainID: g.ChainID(), Err: fmt.Errorf("no txID in response")}
	}

	return g.signAndBroadcast(ctx, unsigned, signerKey)
}

// TransferToken moves a TRC-20 amount via triggersmartcontract.
func (g *TronGateway) TransferToken(ctx context.Context, signerKey, token, to string, amount *big.Int) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	if !g.ValidateAddress(to) || !g.ValidateAddress(token) {
		return "", ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}

	ownerAddr, err := tronAddressFromKey(signerKey)
	if err != nil {
		return "", err
	}

	param := append(
		common.LeftPadBytes(tronAddressPayload(to), 32),
		common.LeftPadBytes(amount.Bytes(), 32)...,
	)
	var res struct {
		Transaction map[string]any `json:"transaction"`
	}
	err = g.post(ctx, "/wallet/triggersmartcontract", map[string]any{
		"owner_address":     ownerAddr,
		"contract_address":  token,
		"function_selector": "transfer(address,uint256)",
		"parameter":         hex.EncodeToString(param),
		"fee_limit":         100_000_000,
		"visible":           true,
	}, &res)
	if err != nil {
		return "", err
	}
	if res.Transaction == nil {
		return "", &CommError{Op: "triggersmartcontract", ChainID: g.ChainID(), Err: fmt.Errorf("no transaction in response")}
	}

	return g.signAndBroadcast(ctx, res.Transaction, signerKey)
}

func (g *TronGateway) signAndBroadcast(ctx context.Context, unsigned map[string]any, signerKey string) (string, error) {
	signReq := map[string]any{
		"transaction": unsigned,
		"privateKey":  strings.TrimPrefix(signerKey, "0x"),
	}
	var signed map[string]any
	if err := g.post(ctx, "/wallet/gettransactionsign", signReq, &signed); err != nil {
		return "", err
	}

	var res struct {
		Result bool   `json:"result"`
		TxID   string `json:"txid"`
	}
	if err := g.post(ctx, "/wallet/broadcasttransaction", signed, &res); err != nil {
		return "", err
	}
	if !res.Result {
		return "", &CommError{Op: "broadcasttransaction", ChainID: g.ChainID(), Err: ErrTxFailed}
	}
	txID, _ := signed["txID"].(string)
	if res.TxID != "" {
		txID = res.TxID
	}
	return txID, nil
}

// CreateEscrow is not supported: escrow contracts are EVM-only.
func (g *TronGateway) CreateEscrow(ctx context.Context, p EscrowParties) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *TronGateway) FundEscrow(ctx context.Context, escrowAddr, signerKey string, amount *big.Int) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *TronGateway) ReleaseEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *TronGateway) RefundEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return "", fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

func (g *TronGateway) EscrowDetails(ctx context.Context, escrowAddr string) (*EscrowDetails, error) {
	return nil, fmt.Errorf("%w: escrow contracts are EVM-only", ErrUnsupportedChain)
}

// ValidateAddress checks base58check encoding with the Tron version byte.
func (g *TronGateway) ValidateAddress(address string) bool {
	payload, version, err := base58.CheckDecode(address)
	if err != nil {
		return false
	}
	return version == tronAddressVersion && len(payload) == 20
}

// WaitForTransaction polls gettransactioninfobyid until the transaction is
// in a solid block.
func (g *TronGateway) WaitForTransaction(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*Receipt, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(tronPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: tx %s", ErrConfirmTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			var info struct {
				ID          string `json:"id"`
				BlockNumber uint64 `json:"blockNumber"`
				Receipt     struct {
					Result string `json:"result"`
				} `json:"receipt"`
			}
			err := g.post(ctx, "/walletsolidity/gettransactioninfobyid", map[string]any{"value": txHash}, &info)
			if err != nil {
				return nil, err
			}
			if info.ID == "" {
				continue // not yet solid
			}
			success := info.Receipt.Result == "" || info.Receipt.Result == "SUCCESS"
			if !success {
				return nil, fmt.Errorf("%w: tx %s", ErrTxFailed, txHash)
			}
			return &Receipt{
				TxHash:        txHash,
				Success:       true,
				BlockNumber:   info.BlockNumber,
				Confirmations: confirmations, // solidity node implies finality
			}, nil
		}
	}
}

// tronAddressPayload returns the 20-byte account part of a base58 address.
func tronAddressPayload(address string) []byte {
	payload, _, err := base58.CheckDecode(address)
	if err != nil {
		return nil
	}
	return payload
}

// tronAddressFromKey derives the base58check Tron address for a secp256k1
// private key. Tron shares Ethereum's key-to-address derivation; only the
// encoding differs.
func tronAddressFromKey(signerKey string) (string, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(signerKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signer key: %w", err)
	}
	evmAddr := crypto.PubkeyToAddress(priv.PublicKey)
	return base58.CheckEncode(evmAddr.Bytes(), tronAddressVersion), nil
}
