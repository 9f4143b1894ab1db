package provider

import (
	"context"

	"github.com/dumpwatch/dumpwatch/configuration"
)

func init() {
	Register("name", FactoryFunc(newProcessName))
	Register("name-wait", FactoryFunc(newProcessNameWait))
}

type processName struct {
	name string
	wait bool
}

func newProcessName(spec string) (Provider, error) {
	return processName{name: spec}, nil
}

func newProcessNameWait(spec string) (Provider, error) {
	return processName{name: spec, wait: true}, nil
}

func (p processName) Get(ctx context.Context) ([]*configuration.Config, error) {
	cfg := configuration.NewConfig()
	cfg.ProcessName = p.name
	cfg.WaitForLaunch = p.wait
	return []*configuration.Config{cfg}, nil
}
