package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var updateArguments = abi.Arguments{
	abi.Argument{Name: "id", Type: mustType("bytes32")},
	abi.Argument{Name: "price", Type: mustType("int64")},
	abi.Argument{Name: "conf", Type: mustType("uint64")},
	abi.Argument{Name: "expo", Type: mustType("int32")},
	abi.Argument{Name: "publishTime", Type: mustType("uint64")},
}

// EncodeUpdate 把单个价格更新编码为 ABI 字节，供 MemoryOracle 与测试使用。
func EncodeUpdate(feedID common.Hash, p Price) ([]byte, error) {
	return updateArguments.Pack(feedID, p.Value, p.Confidence, p.Expo, uint64(p.PublishTime))
}

// DecodeUpdate 解析 EncodeUpdate 生成的字节。
func DecodeUpdate(data []byte) (common.Hash, Price, error) {
	values, err := updateArguments.Unpack(data)
	if err != nil || len(values) != 5 {
		return common.Hash{}, Price{}, ErrInvalidUpdate
	}
	id, ok1 := values[0].([32]byte)
	value, ok2 := values[1].(int64)
	conf, ok3 := values[2].(uint64)
	expo, ok4 := values[3].(int32)
	publish, ok5 := values[4].(uint64)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return common.Hash{}, Price{}, ErrInvalidUpdate
	}
	return common.Hash(id), Price{Value: value, Confidence: conf, Expo: expo, PublishTime: int64(publish)}, nil
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

func feeFor(updates [][]byte, perUpdate *big.Int) *big.Int {
	return new(big.Int).Mul(perUpdate, big.NewInt(int64(len(updates))))
}
