package hermes

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/journal"
	"X402-Chain/internal/oracle"
)

// Oracle 以 Hermes 作为价格来源实现 oracle.Oracle，用于链下模拟运行。
// 更新数据按条计费并视为不透明字节，价格时效以 Hermes 返回的 publish_time 判断。
type Oracle struct {
	client    *Client
	perUpdate *big.Int
	clock     func() time.Time

	mu        sync.Mutex
	collected *big.Int
}

// NewOracle 创建 Hermes 预言机适配器。clock 为空时使用 time.Now。
func NewOracle(client *Client, perUpdate *big.Int, clock func() time.Time) *Oracle {
	if perUpdate == nil {
		perUpdate = new(big.Int)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Oracle{client: client, perUpdate: new(big.Int).Set(perUpdate), clock: clock, collected: new(big.Int)}
}

// Collected 返回累计收取的更新费用。
func (o *Oracle) Collected() *big.Int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return new(big.Int).Set(o.collected)
}

// UpdateFee 实现 oracle.Oracle 接口。
func (o *Oracle) UpdateFee(_ context.Context, updates [][]byte) (*big.Int, error) {
	return new(big.Int).Mul(o.perUpdate, big.NewInt(int64(len(updates)))), nil
}

// UpdatePriceFeeds 实现 oracle.Oracle 接口，只校验数据非空与费用充足。
func (o *Oracle) UpdatePriceFeeds(ctx context.Context, _ common.Address, updates [][]byte, fee *big.Int) error {
	for _, update := range updates {
		if len(update) == 0 {
			return oracle.ErrInvalidUpdate
		}
	}
	required, _ := o.UpdateFee(ctx, updates)
	if fee == nil || fee.Cmp(required) < 0 {
		return oracle.ErrInsufficientFee
	}
	paid := new(big.Int).Set(fee)
	o.mu.Lock()
	o.collected.Add(o.collected, paid)
	o.mu.Unlock()
	journal.Record(ctx, func() error {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.collected.Sub(o.collected, paid)
		return nil
	})
	return nil
}

// PriceNoOlderThan 实现 oracle.Oracle 接口。
func (o *Oracle) PriceNoOlderThan(ctx context.Context, feedID common.Hash, maxAge time.Duration) (oracle.Price, error) {
	feed, err := o.client.LatestPrice(ctx, feedID.Hex())
	if err != nil {
		return oracle.Price{}, err
	}
	price, err := feed.Price.OraclePrice()
	if err != nil {
		return oracle.Price{}, oracle.ErrInvalidPrice
	}
	if o.clock().Unix()-price.PublishTime > int64(maxAge/time.Second) {
		return oracle.Price{}, oracle.ErrPriceTooStale
	}
	return price, nil
}

var _ oracle.Oracle = (*Oracle)(nil)
