package config

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/dist-train/model"
)

// Args are the positional arguments of a worker:
//
//	<device> <sync_type> <exch_strategy> <module> <class> [cpulist]
type Args struct {
	Device   string
	SyncType model.SyncType
	Strategy string
	Module   string
	Class    string

	// CPUList is empty when no binding was requested.
	CPUList string
}

// ParseArgs parses positional arguments.
func ParseArgs(args []string) (*Args, error) {
	if len(args) < 5 || len(args) > 6 {
		return nil, errors.Errorf("expected 5 or 6 arguments, got %d", len(args))
	}
	res := &Args{
		Device:   args[0],
		SyncType: model.ParseSyncType(args[1]),
		Strategy: args[2],
		Module:   args[3],
		Class:    args[4],
	}
	if len(args) == 6 {
		res.CPUList = args[5]
	}
	return res, nil
}

// HasAffinity reports whether a CPU list was given.
func (a *Args) HasAffinity() bool {
	return a.CPUList != ""
}
