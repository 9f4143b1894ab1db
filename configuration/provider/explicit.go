package provider

import (
	"context"
	"strconv"

	"github.com/dumpwatch/dumpwatch/configuration"
)

func init() {
	Register("pid", FactoryFunc(newExplicitPID))
}

type explicitPID struct {
	pid int64
}

func newExplicitPID(spec string) (Provider, error) {
	pid, err := strconv.ParseInt(spec, 10, 64)
	if err != nil {
		return nil, err
	}
	return explicitPID{pid: pid}, nil
}

func (e explicitPID) Get(ctx context.Context) ([]*configuration.Config, error) {
	cfg := configuration.NewConfig()
	cfg.PID = e.pid
	return []*configuration.Config{cfg}, nil
}
