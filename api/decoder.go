package api

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Event signatures for the transfer logs we decode.
var (
	TopicERC20Transfer = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	TopicERC1155Single = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))
	TopicERC1155Batch  = crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])"))
)

// USDC and conditional tokens both use 6 decimals on Polygon.
const tokenScale = -6

// ERC20Transfer is a decoded ERC-20 Transfer log.
type ERC20Transfer struct {
	Token string // contract address, lowercase
	From  string
	To    string
	Value *big.Int
}

// ERC1155Transfer is one decoded ERC-1155 movement. A TransferBatch log
// expands into one entry per id/value pair.
type ERC1155Transfer struct {
	Contract string
	From     string
	To       string
	TokenID  *big.Int
	Value    *big.Int
}

// ChainTrade is the netted result of all transfers in one transaction as
// seen from a single wallet.
type ChainTrade struct {
	TokenID    string // decimal string
	Side       string // "BUY" or "SELL"
	Price      decimal.Decimal
	Size       decimal.Decimal
	UsdcAmount decimal.Decimal
}

// topicAddress extracts the address packed into a 32-byte log topic.
func topicAddress(topic string) string {
	h := common.HexToHash(topic)
	return strings.ToLower(common.BytesToAddress(h.Bytes()[12:]).Hex())
}

// word reads the i-th 32-byte word of ABI data as an unsigned integer.
func word(data []byte, i int) *big.Int {
	start := i * 32
	if start+32 > len(data) {
		return nil
	}
	return new(big.Int).SetBytes(data[start : start+32])
}

// DecodeTransfers walks every log of a receipt and decodes the ERC-20 and
// ERC-1155 transfers in it. Logs that are not transfers, or that are too
// short to decode, are skipped.
func DecodeTransfers(logs []RPCLog) ([]ERC20Transfer, []ERC1155Transfer) {
	var erc20 []ERC20Transfer
	var erc1155 []ERC1155Transfer

	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) == 0 {
			continue
		}
		sig := common.HexToHash(lg.Topics[0])
		data := common.FromHex(lg.Data)

		switch sig {
		case TopicERC20Transfer:
			// ERC-721 shares this signature but indexes the token id as a
			// third topic and carries no data word.
			if len(lg.Topics) != 3 {
				continue
			}
			v := word(data, 0)
			if v == nil {
				continue
			}
			erc20 = append(erc20, ERC20Transfer{
				Token: strings.ToLower(lg.Address),
				From:  topicAddress(lg.Topics[1]),
				To:    topicAddress(lg.Topics[2]),
				Value: v,
			})

		case TopicERC1155Single:
			if len(lg.Topics) != 4 {
				continue
			}
			id := word(data, 0)
			v := word(data, 1)
			if id == nil || v == nil {
				continue
			}
			erc1155 = append(erc1155, ERC1155Transfer{
				Contract: strings.ToLower(lg.Address),
				From:     topicAddress(lg.Topics[2]),
				To:       topicAddress(lg.Topics[3]),
				TokenID:  id,
				Value:    v,
			})

		case TopicERC1155Batch:
			if len(lg.Topics) != 4 {
				continue
			}
			erc1155 = append(erc1155, decodeBatch(lg, data)...)
		}
	}

	return erc20, erc1155
}

// decodeBatch expands a TransferBatch log. The data section is two dynamic
// uint256 arrays located through their offset words; the offsets are read,
// not assumed, so padded or extended encodings still decode.
func decodeBatch(lg RPCLog, data []byte) []ERC1155Transfer {
	idsOff := word(data, 0)
	valsOff := word(data, 1)
	if idsOff == nil || valsOff == nil || !idsOff.IsInt64() || !valsOff.IsInt64() {
		return nil
	}

	ids := readUintArray(data, int(idsOff.Int64()))
	vals := readUintArray(data, int(valsOff.Int64()))
	if ids == nil || vals == nil || len(ids) != len(vals) {
		return nil
	}

	from := topicAddress(lg.Topics[2])
	to := topicAddress(lg.Topics[3])
	contract := strings.ToLower(lg.Address)

	out := make([]ERC1155Transfer, 0, len(ids))
	for i := range ids {
		out = append(out, ERC1155Transfer{
			Contract: contract,
			From:     from,
			To:       to,
			TokenID:  ids[i],
			Value:    vals[i],
		})
	}
	return out
}

// readUintArray reads a length-prefixed uint256[] at a byte offset into the
// data section.
func readUintArray(data []byte, off int) []*big.Int {
	if off < 0 || off+32 > len(data) {
		return nil
	}
	length := new(big.Int).SetBytes(data[off : off+32])
	if !length.IsInt64() {
		return nil
	}
	n := int(length.Int64())
	if n < 0 || off+32+n*32 > len(data) {
		return nil
	}
	out := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		start := off + 32 + i*32
		out[i] = new(big.Int).SetBytes(data[start : start+32])
	}
	return out
}

// NetTrade nets all decoded transfers for one wallet and classifies the
// transaction. A trade needs token flowing one way and USDC the other:
// token in with USDC out is a BUY, token out with USDC in is a SELL.
// Anything else (splits, merges, plain transfers, multi-asset rebalances)
// returns false. Price is USDC divided by token quantity; a zero token
// quantity is rejected before the division.
func NetTrade(wallet, usdcAddress string, erc20 []ERC20Transfer, erc1155 []ERC1155Transfer) (*ChainTrade, bool) {
	wallet = strings.ToLower(wallet)
	usdcAddress = strings.ToLower(usdcAddress)

	netUSDC := new(big.Int)
	for _, t := range erc20 {
		if t.Token != usdcAddress {
			continue
		}
		if t.To == wallet {
			netUSDC.Add(netUSDC, t.Value)
		}
		if t.From == wallet {
			netUSDC.Sub(netUSDC, t.Value)
		}
	}

	netTokens := make(map[string]*big.Int)
	for _, t := range erc1155 {
		delta, ok := netTokens[t.TokenID.String()]
		if !ok {
			delta = new(big.Int)
			netTokens[t.TokenID.String()] = delta
		}
		if t.To == wallet {
			delta.Add(delta, t.Value)
		}
		if t.From == wallet {
			delta.Sub(delta, t.Value)
		}
	}

	// Exactly one token with a nonzero net, or the transaction is not a
	// simple trade from this wallet's point of view.
	var tokenID string
	var netToken *big.Int
	for id, delta := range netTokens {
		if delta.Sign() == 0 {
			continue
		}
		if netToken != nil {
			return nil, false
		}
		tokenID = id
		netToken = delta
	}
	if netToken == nil {
		return nil, false
	}

	var side string
	switch {
	case netToken.Sign() > 0 && netUSDC.Sign() < 0:
		side = "BUY"
	case netToken.Sign() < 0 && netUSDC.Sign() > 0:
		side = "SELL"
	default:
		return nil, false
	}

	size := decimal.NewFromBigInt(new(big.Int).Abs(netToken), tokenScale)
	usdc := decimal.NewFromBigInt(new(big.Int).Abs(netUSDC), tokenScale)
	if size.IsZero() {
		return nil, false
	}

	return &ChainTrade{
		TokenID:    tokenID,
		Side:       side,
		Price:      usdc.Div(size),
		Size:       size,
		UsdcAmount: usdc,
	}, true
}
