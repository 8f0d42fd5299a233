package policy

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Options is the raw option block of a validator as written in the
// configuration file.
type Options map[string]any

// Decode strictly decodes the options into out; unknown keys are an error.
func (o Options) Decode(out any) error {
	if len(o) == 0 {
		return nil
	}
	data, err := yaml.Marshal(map[string]any(o))
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// Spec names a validator and its options.
type Spec struct {
	Name    string  `yaml:"name"`
	Options Options `yaml:"options,omitempty"`
}

// Factory builds a validator from its options.
type Factory func(opts Options) (Validator, error)

var (
	ErrUnknownValidator = errors.New("unknown validator")
	ErrInvalidOptions   = errors.New("invalid validator options")
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a validator factory available under name. It panics if
// name is registered twice.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("policy: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("policy: Register called twice for validator " + name)
	}
	registry[name] = f
}

// Registered returns the sorted names of all registered validators.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a single validator by name.
func New(name string, opts Options) (Validator, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownValidator, name)
	}
	v, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOptions, name, err)
	}
	return v, nil
}

// Build builds a chain from an ordered list of specs.
func Build(specs []Spec) (*Chain, error) {
	if len(specs) == 0 {
		return nil, ErrNoValidators
	}
	validators := make([]Validator, 0, len(specs))
	for i, spec := range specs {
		v, err := New(spec.Name, spec.Options)
		if err != nil {
			return nil, fmt.Errorf("validator #%d: %w", i, err)
		}
		validators = append(validators, v)
	}
	return NewChain(validators...), nil
}

// named is embedded by the built-in validators.
type named string

func (n named) Name() string { return string(n) }
