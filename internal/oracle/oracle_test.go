package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/journal"
)

var ethUSD = common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace")

func TestNormalize(t *testing.T) {
	got, err := Normalize(Price{Value: 250_012_345_678, Expo: -8})
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("2500123456780000000000", 10)
	assert.Equal(t, want, got)

	_, err = Normalize(Price{Value: 0, Expo: -8})
	assert.True(t, errors.Is(err, ErrInvalidPrice))
	_, err = Normalize(Price{Value: 1, Expo: 2})
	assert.True(t, errors.Is(err, ErrInvalidPrice))
	_, err = Normalize(Price{Value: 1, Expo: -19})
	assert.True(t, errors.Is(err, ErrInvalidPrice))
}

func TestUpdateRoundTrip(t *testing.T) {
	p := Price{Value: 312_345, Confidence: 12, Expo: -2, PublishTime: 1_700_000_100}
	data, err := EncodeUpdate(ethUSD, p)
	require.NoError(t, err)

	id, decoded, err := DecodeUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, ethUSD, id)
	assert.Equal(t, p, decoded)

	_, _, err = DecodeUpdate([]byte{0x01, 0x02})
	assert.True(t, errors.Is(err, ErrInvalidUpdate))
}

func TestMemoryOracleFeesAndStaleness(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	o := NewMemoryOracle(big.NewInt(5), func() time.Time { return now })

	update, err := EncodeUpdate(ethUSD, Price{Value: 300_000, Expo: -2, PublishTime: now.Unix() - 10})
	require.NoError(t, err)
	updates := [][]byte{update}

	fee, err := o.UpdateFee(ctx, updates)
	require.NoError(t, err)
	assert.Equal(t, int64(5), fee.Int64())

	err = o.UpdatePriceFeeds(ctx, common.Address{}, updates, big.NewInt(4))
	assert.True(t, errors.Is(err, ErrInsufficientFee))

	require.NoError(t, o.UpdatePriceFeeds(ctx, common.Address{}, updates, fee))
	assert.Equal(t, int64(5), o.Collected().Int64())

	p, err := o.PriceNoOlderThan(ctx, ethUSD, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), p.Value)

	_, err = o.PriceNoOlderThan(ctx, ethUSD, 5*time.Second)
	assert.True(t, errors.Is(err, ErrPriceTooStale))
	assert.Equal(t, xerrors.CategoryExternal, xerrors.CategoryOf(err))
	assert.True(t, xerrors.RetryableError(err))

	_, err = o.PriceNoOlderThan(ctx, common.HexToHash("0x01"), time.Minute)
	assert.True(t, errors.Is(err, ErrPriceNotFound))
}

func TestMemoryOracleIgnoresOlderUpdates(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	o := NewMemoryOracle(nil, func() time.Time { return now })
	o.SetPrice(ethUSD, Price{Value: 200, Expo: 0, PublishTime: now.Unix()})

	older, err := EncodeUpdate(ethUSD, Price{Value: 100, Expo: 0, PublishTime: now.Unix() - 30})
	require.NoError(t, err)
	require.NoError(t, o.UpdatePriceFeeds(ctx, common.Address{}, [][]byte{older}, big.NewInt(0)))

	p, err := o.PriceNoOlderThan(ctx, ethUSD, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.Value)
}

func TestMemoryOracleUpdateRollback(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := NewMemoryOracle(big.NewInt(3), func() time.Time { return now })
	original := Price{Value: 200, Expo: 0, PublishTime: now.Unix() - 60}
	o.SetPrice(ethUSD, original)
	btcUSD := common.HexToHash("0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43")

	newer, err := EncodeUpdate(ethUSD, Price{Value: 250, Expo: 0, PublishTime: now.Unix()})
	require.NoError(t, err)
	fresh, err := EncodeUpdate(btcUSD, Price{Value: 60_000, Expo: 0, PublishTime: now.Unix()})
	require.NoError(t, err)

	ctx, j := journal.Begin(context.Background())
	require.NoError(t, o.UpdatePriceFeeds(ctx, common.Address{}, [][]byte{newer, fresh}, big.NewInt(6)))
	assert.Equal(t, int64(6), o.Collected().Int64())

	require.NoError(t, j.Rollback())
	assert.Zero(t, o.Collected().Sign())
	p, ok := o.Price(ethUSD)
	require.True(t, ok)
	assert.Equal(t, original, p)
	_, ok = o.Price(btcUSD)
	assert.False(t, ok)
}
