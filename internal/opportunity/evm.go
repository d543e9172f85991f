package opportunity

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMClient wraps go-ethereum's ethclient.Client with the narrow surface
// DexQuoter and PriceOracle need: eth_call (ContractCaller) plus a
// bounded-timeout gas price poll for GasForecaster.
type EVMClient struct {
	rpc *ethclient.Client
}

// DialEVM connects to a JSON-RPC endpoint. Dialing is itself an I/O
// suspension point; callers should bound it with a context timeout.
func DialEVM(ctx context.Context, url string) (*EVMClient, error) {
	rpc, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &EVMClient{rpc: rpc}, nil
}

// CallContract implements bind.ContractCaller, satisfying both
// ChainlinkCaller and the DexQuoter's pool-call abstraction.
func (c *EVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.rpc.CallContract(ctx, msg, blockNumber)
}

// CodeAt completes the bind.ContractCaller surface.
func (c *EVMClient) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return c.rpc.CodeAt(ctx, contract, blockNumber)
}

// SuggestGasPrice polls the node's current gas price, the suspension
// point GasForecaster.Observe is driven from.
func (c *EVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.rpc.SuggestGasPrice(ctx)
}

func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

func (c *EVMClient) Close() {
	c.rpc.Close()
}

// bindCallMsg builds an eth_call message targeting to with calldata.
func bindCallMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}

// jsonReader adapts a string ABI literal to the io.Reader abi.JSON wants.
func jsonReader(s string) *strings.Reader {
	return strings.NewReader(s)
}

// toBigInt extracts a *big.Int from an ABI-unpacked value, handling both
// the signed (int256, e.g. Chainlink's answer) and unsigned
// (uint256/uint80) forms abi.Unpack can produce.
func toBigInt(v interface{}) (*big.Int, bool) {
	switch t := v.(type) {
	case *big.Int:
		return t, true
	default:
		return nil, false
	}
}

// withTimeout is a small convenience used across the RPC-facing
// components; every RPC and HTTP call carries a bounded timeout.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

var _ bind.ContractCaller = (*EVMClient)(nil)
