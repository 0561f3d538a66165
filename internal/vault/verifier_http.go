package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/fxamacker/cbor/v2"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"markethub.com/pkg/logger"
)

const (
	plutusConstr0Tag = 121
	lovelacePerADA   = 6 // decimal shift
)

var minDepositADA = decimal.NewFromInt(1)

type ChainConfig struct {
	BaseURL   string        `mapstructure:"base_url"` // e.g. https://cardano-mainnet.blockfrost.io/api/v0
	ProjectID string        `mapstructure:"project_id"`
	Network   string        `mapstructure:"network"` // mainnet/preprod/preview
	Timeout   time.Duration `mapstructure:"timeout"`
	RPS       float64       `mapstructure:"rps"`
	Burst     int           `mapstructure:"burst"`
}

// APIError 索引服务返回的非 2xx
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chain api error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ChainVerifier 通过 Blockfrost 风格的 HTTP 接口核对充值交易
type ChainVerifier struct {
	baseURL   string
	projectID string
	mainnet   bool
	hc        *http.Client
	limiter   *rate.Limiter
}

func NewChainVerifier(c ChainConfig) *ChainVerifier {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RPS <= 0 {
		c.RPS = 10 // blockfrost 免费档 10 rps
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	return &ChainVerifier{
		baseURL:   strings.TrimRight(c.BaseURL, "/"),
		projectID: c.ProjectID,
		mainnet:   c.Network == "" || c.Network == "mainnet",
		hc:        &http.Client{Timeout: c.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(c.RPS), c.Burst),
	}
}

type utxoAmount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

type utxoOutput struct {
	Address     string       `json:"address"`
	Amount      []utxoAmount `json:"amount"`
	InlineDatum *string      `json:"inline_datum"`
}

type txUtxos struct {
	Hash    string       `json:"hash"`
	Outputs []utxoOutput `json:"outputs"`
}

type txInfo struct {
	Hash      string `json:"hash"`
	BlockTime int64  `json:"block_time"`
	Fees      string `json:"fees"`
}

func (v *ChainVerifier) Verify(ctx context.Context, req Request, dep Deployment) (ChainInfo, error) {
	var utxos txUtxos
	if err := v.get(ctx, "/txs/"+req.TxID+"/utxos", &utxos); err != nil {
		return ChainInfo{}, err
	}
	var tx txInfo
	if err := v.get(ctx, "/txs/"+req.TxID, &tx); err != nil {
		return ChainInfo{}, err
	}

	var out *utxoOutput
	for i := range utxos.Outputs {
		if utxos.Outputs[i].Address == dep.ScriptAddress {
			out = &utxos.Outputs[i]
			break
		}
	}
	if out == nil {
		return ChainInfo{}, fmt.Errorf("%w: vault output not available yet", ErrRetryable)
	}

	amount := decimal.Zero
	for _, a := range out.Amount {
		if a.Unit != "lovelace" {
			continue
		}
		q, err := decimal.NewFromString(a.Quantity)
		if err != nil {
			return ChainInfo{}, fmt.Errorf("invalid lovelace quantity %q: %w", a.Quantity, err)
		}
		amount = q.Shift(-lovelacePerADA)
	}
	if amount.LessThan(minDepositADA) {
		return ChainInfo{}, fmt.Errorf("deposit amount must be greater or equal to 1 ADA")
	}

	if out.InlineDatum == nil || *out.InlineDatum == "" {
		return ChainInfo{}, fmt.Errorf("missing inline datum on vault output")
	}
	fields, err := decodeDatum(*out.InlineDatum)
	if err != nil {
		return ChainInfo{}, err
	}
	if len(fields) < 2 {
		return ChainInfo{}, fmt.Errorf("invalid datum shape; expected Constr 0 with two fields")
	}

	contributor, err := addressFromHash(fields[0], v.mainnet)
	if err != nil {
		return ChainInfo{}, fmt.Errorf("invalid user hash in datum: %w", err)
	}
	if !strings.EqualFold(contributor, req.User) {
		// 只记录，不拒绝：钱包可能用了不同的 stake 部分
		logger.Warn(ctx, "vault deposit contributor mismatch",
			zap.String("tx_id", req.TxID),
			zap.String("expected", req.User),
			zap.String("actual", contributor),
		)
	}

	pool := hex.EncodeToString(fields[1])
	if pool != dep.PoolName && pool != dep.PolicyID+dep.PoolName {
		return ChainInfo{}, fmt.Errorf("pool_name mismatch in datum; expected %s, actual %s", dep.PoolName, pool)
	}

	fee := decimal.Zero
	if tx.Fees != "" {
		if f, err := decimal.NewFromString(tx.Fees); err == nil {
			fee = f.Shift(-lovelacePerADA)
		}
	}
	ts := tx.BlockTime
	if ts == 0 {
		ts = time.Now().Unix()
	}

	return ChainInfo{
		Amount:      amount,
		TokenID:     "lovelace",
		Timestamp:   ts,
		Fee:         fee,
		PoolName:    dep.PoolName,
		Contributor: contributor,
	}, nil
}

func (v *ChainVerifier) get(ctx context.Context, path string, out any) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if v.projectID != "" {
		req.Header.Set("project_id", v.projectID)
	}

	resp, err := v.hc.Do(req)
	if err != nil {
		// 网络抖动也按“还没看到”处理，交给上层按 max age 兜底
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: transaction not found yet", ErrRetryable)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %v", ErrRetryable, &APIError{StatusCode: resp.StatusCode, Body: body})
	case resp.StatusCode >= 400:
		return &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// decodeDatum 解析 Plutus Constr 0（cbor tag 121），返回字节串字段。
// 兼容两种形态：121([f0, f1]) 和 121([idx, [f0, f1]])
func decodeDatum(datumHex string) ([][]byte, error) {
	raw, err := hex.DecodeString(datumHex)
	if err != nil {
		return nil, fmt.Errorf("datum is not hex: %w", err)
	}
	var tag cbor.Tag
	if err := cbor.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("decode datum: %w", err)
	}
	if tag.Number != plutusConstr0Tag {
		return nil, fmt.Errorf("unexpected datum constructor tag %d", tag.Number)
	}
	items, ok := tag.Content.([]any)
	if !ok {
		return nil, fmt.Errorf("datum has no fields")
	}
	if len(items) == 2 {
		if _, isIdx := items[0].(uint64); isIdx {
			if nested, ok := items[1].([]any); ok {
				items = nested
			}
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("datum has no fields")
	}

	fields := make([][]byte, 0, len(items))
	for i, it := range items {
		b, ok := it.([]byte)
		if !ok {
			return nil, fmt.Errorf("datum field %d is %T, want bytes", i, it)
		}
		fields = append(fields, b)
	}
	return fields, nil
}

// addressFromHash 用 datum 里的 key hash 还原 shelley 地址：
// 28 字节 -> enterprise 地址，56 字节 -> base 地址（payment + stake）
func addressFromHash(h []byte, mainnet bool) (string, error) {
	var header byte
	switch len(h) {
	case 28:
		header = 0x60
	case 56:
		header = 0x00
	default:
		return "", fmt.Errorf("invalid key hash length %d", len(h))
	}
	hrp := "addr_test"
	if mainnet {
		header |= 0x01
		hrp = "addr"
	}

	payload := make([]byte, 0, 1+len(h))
	payload = append(payload, header)
	payload = append(payload, h...)

	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, conv)
}
