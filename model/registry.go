package model

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownModel is returned by New for a module and
// class that were never registered.
var ErrUnknownModel = errors.New("unknown model")

// Config is passed to a Factory when a model is created.
type Config struct {
	Rank int
	Size int

	// Device identifies the accelerator the model should
	// run on.
	Device string

	// Params holds model specific settings.
	Params map[string]string
}

// A Factory creates a model.
//
// The result is checked against the Model contract by the
// worker, so a factory may return any value.
type Factory func(cfg Config) (any, error)

var (
	registryLock sync.RWMutex
	registry     = map[string]Factory{}
)

// Register makes a model available to New under the given
// module and class names.
//
// Registering the same names twice panics.
func Register(module, class string, f Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	key := module + "." + class
	if _, ok := registry[key]; ok {
		panic("model registered twice: " + key)
	}
	registry[key] = f
}

// New creates a registered model.
func New(module, class string, cfg Config) (any, error) {
	registryLock.RLock()
	f, ok := registry[module+"."+class]
	registryLock.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%s.%s (registered: %v)", module, class, Registered())
	}
	m, err := f(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s.%s", module, class)
	}
	return m, nil
}

// Registered lists the registered models as
// "module.class" names, sorted.
func Registered() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()
	var res []string
	for key := range registry {
		res = append(res, key)
	}
	sort.Strings(res)
	return res
}
