package provider

import (
	"context"
	"strconv"

	"github.com/dumpwatch/dumpwatch/configuration"
)

func init() {
	Register("pgid", FactoryFunc(newProcessGroup))
}

type processGroup struct {
	pgid int64
}

func newProcessGroup(spec string) (Provider, error) {
	pgid, err := strconv.ParseInt(spec, 10, 64)
	if err != nil {
		return nil, err
	}
	return processGroup{pgid: pgid}, nil
}

func (p processGroup) Get(ctx context.Context) ([]*configuration.Config, error) {
	cfg := configuration.NewConfig()
	cfg.ProcessGroup = p.pgid
	return []*configuration.Config{cfg}, nil
}
