package logic

import (
	"context"
	"time"

	ads "ads-gateway/driver/ads"
)

// plcSession is the slice of the ADS connection the manager drives. It
// exists so lifecycle behavior is testable without a router.
type plcSession interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool

	ReadSymbol(ctx context.Context, path string, t ads.DataType) (interface{}, error)
	WriteSymbol(ctx context.Context, path string, t ads.DataType, value interface{}) error
	ReadRaw(ctx context.Context, indexGroup, indexOffset, length uint32) ([]byte, error)
	Subscribe(ctx context.Context, path string, t ads.DataType, cycle time.Duration) (uint32, error)
	Unsubscribe(ctx context.Context, handle uint32) error

	Symbols(ctx context.Context) ([]ads.Symbol, error)
	OnlineChangeCount(ctx context.Context) (uint32, error)
	InvalidateHandles()

	SetSampleHandler(func(ads.NotificationSample))
	SetCloseHandler(func(error))
}

// newSession is swapped by tests.
var newSession = func(cfg ads.Config) (plcSession, error) {
	return ads.NewConnection(cfg)
}
