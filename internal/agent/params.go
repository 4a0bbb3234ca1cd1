package agent

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/router"
)

// abiParams 与 paramsArguments 的元组结构逐字段对应。
type abiParams struct {
	TokenIn  common.Address
	TokenOut common.Address
	Executor common.Address
	Desc     struct {
		SrcToken        common.Address
		DstToken        common.Address
		SrcReceiver     common.Address
		DstReceiver     common.Address
		Amount          *big.Int
		MinReturnAmount *big.Int
		Flags           *big.Int
	}
	ExecutionData   []byte
	PriceUpdateData [][]byte
	MaxUpdateFee    *big.Int
	ReferencePrice  *big.Int
}

var paramsArguments = func() abi.Arguments {
	tuple, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "tokenIn", Type: "address"},
		{Name: "tokenOut", Type: "address"},
		{Name: "executor", Type: "address"},
		{Name: "desc", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "srcToken", Type: "address"},
			{Name: "dstToken", Type: "address"},
			{Name: "srcReceiver", Type: "address"},
			{Name: "dstReceiver", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "minReturnAmount", Type: "uint256"},
			{Name: "flags", Type: "uint256"},
		}},
		{Name: "executionData", Type: "bytes"},
		{Name: "priceUpdateData", Type: "bytes[]"},
		{Name: "maxUpdateFee", Type: "uint256"},
		{Name: "referencePrice", Type: "uint256"},
	})
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Name: "params", Type: tuple}}
}()

// EncodeParams 把执行参数编码为 ABI 元组。nil 金额按零编码。
func EncodeParams(p Params) ([]byte, error) {
	var raw abiParams
	raw.TokenIn = p.TokenIn
	raw.TokenOut = p.TokenOut
	raw.Executor = p.Executor
	raw.Desc.SrcToken = p.Desc.SrcToken
	raw.Desc.DstToken = p.Desc.DstToken
	raw.Desc.SrcReceiver = p.Desc.SrcReceiver
	raw.Desc.DstReceiver = p.Desc.DstReceiver
	raw.Desc.Amount = orZero(p.Desc.Amount)
	raw.Desc.MinReturnAmount = orZero(p.Desc.MinReturnAmount)
	raw.Desc.Flags = orZero(p.Desc.Flags)
	raw.ExecutionData = nonNilBytes(p.ExecutionData)
	raw.PriceUpdateData = p.PriceUpdateData
	if raw.PriceUpdateData == nil {
		raw.PriceUpdateData = [][]byte{}
	}
	raw.MaxUpdateFee = orZero(p.MaxUpdateFee)
	raw.ReferencePrice = orZero(p.ReferencePrice)
	for _, amount := range []*big.Int{raw.Desc.Amount, raw.Desc.MinReturnAmount, raw.Desc.Flags, raw.MaxUpdateFee, raw.ReferencePrice} {
		if amount.Sign() < 0 {
			return nil, invalidParams("negative amount")
		}
	}

	encoded, err := paramsArguments.Pack(raw)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return encoded, nil
}

// DecodeParams 解析 EncodeParams 的输出。
func DecodeParams(data []byte) (Params, error) {
	values, err := paramsArguments.Unpack(data)
	if err != nil || len(values) != 1 {
		return Params{}, invalidParams(ReasonInvalidParams)
	}
	raw, err := convertParams(values[0])
	if err != nil {
		return Params{}, err
	}
	return Params{
		TokenIn:  raw.TokenIn,
		TokenOut: raw.TokenOut,
		Executor: raw.Executor,
		Desc: router.SwapDescription{
			SrcToken:        raw.Desc.SrcToken,
			DstToken:        raw.Desc.DstToken,
			SrcReceiver:     raw.Desc.SrcReceiver,
			DstReceiver:     raw.Desc.DstReceiver,
			Amount:          raw.Desc.Amount,
			MinReturnAmount: raw.Desc.MinReturnAmount,
			Flags:           raw.Desc.Flags,
		},
		ExecutionData:   raw.ExecutionData,
		PriceUpdateData: raw.PriceUpdateData,
		MaxUpdateFee:    raw.MaxUpdateFee,
		ReferencePrice:  raw.ReferencePrice,
	}, nil
}

func convertParams(value any) (raw *abiParams, err error) {
	defer func() {
		if recover() != nil {
			raw, err = nil, invalidParams(ReasonInvalidParams)
		}
	}()
	return abi.ConvertType(value, new(abiParams)).(*abiParams), nil
}

func orZero(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return amount
}

func nonNilBytes(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}
