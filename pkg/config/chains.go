// Package config loads the chain registry from blockchains.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/ava-labs/evm-ingestor/pkg/chainadapter"
)

const (
	DefaultChainsFile = "blockchains.toml"
	DefaultEnvFile    = ".env"

	SchemaBlocks = "blocks"
)

var (
	ErrNoChains       = errors.New("no blockchains configured")
	ErrMissingEnvVar  = errors.New("environment variable not set")
	supportedSchemas  = map[string]struct{}{SchemaBlocks: {}}
	defaultSchemaList = []string{SchemaBlocks}
)

// Blockchain is one [blockchains.<name>] table. HTTPURLEnv and WSURLEnv name
// environment variables; Load resolves them into HTTPURL and WSURL.
type Blockchain struct {
	Name        string   `toml:"-"`
	AdapterType string   `toml:"adapter_type"`
	Schemas     []string `toml:"schemas"`
	StartBlock  *uint64  `toml:"start_block"`
	EndBlock    *uint64  `toml:"end_block"`
	HTTPURLEnv  string   `toml:"http_url"`
	WSURLEnv    string   `toml:"ws_url"`
	Topic       string   `toml:"topic"`

	HTTPURL string `toml:"-"`
	WSURL   string `toml:"-"`
}

type file struct {
	Blockchains map[string]Blockchain `toml:"blockchains"`
}

// ChainError reports a chain that could not be resolved or validated. The
// other chains of the registry are unaffected.
type ChainError struct {
	Chain string
	Err   error
}

func (e *ChainError) Error() string { return e.Err.Error() }

func (e *ChainError) Unwrap() error { return e.Err }

// ChainErrors returns the chain errors contained in err.
func ChainErrors(err error) []*ChainError {
	var out []*ChainError
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
		case *ChainError:
			out = append(out, e)
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(e.Unwrap())
		}
	}
	walk(err)
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing default file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = DefaultEnvFile
	}
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) && path == DefaultEnvFile {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the chain registry at path and resolves endpoints from the
// process environment. Like Parse, it returns the valid chains alongside the
// errors of the invalid ones.
func Load(path string) ([]Blockchain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	chains, err := Parse(string(data), os.LookupEnv)
	if err != nil {
		return chains, fmt.Errorf("%s: %w", path, err)
	}
	return chains, nil
}

// Parse decodes a chain registry and resolves endpoints with lookup. Chains
// are returned sorted by name. A chain that fails to resolve or validate is
// left out and reported as a *ChainError in the joined error, next to the
// valid chains. A registry that cannot be decoded returns no chains.
func Parse(data string, lookup LookupFunc) ([]Blockchain, error) {
	var f file
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if len(f.Blockchains) == 0 {
		return nil, ErrNoChains
	}

	chains := make([]Blockchain, 0, len(f.Blockchains))
	var errs []error
	for name, bc := range f.Blockchains {
		bc.Name = name
		if len(bc.Schemas) == 0 {
			bc.Schemas = append([]string(nil), defaultSchemaList...)
		}
		if err := bc.resolve(lookup); err != nil {
			errs = append(errs, &ChainError{Chain: name, Err: err})
			continue
		}
		if err := bc.Validate(); err != nil {
			errs = append(errs, &ChainError{Chain: name, Err: err})
			continue
		}
		chains = append(chains, bc)
	}

	sort.Slice(chains, func(i, j int) bool { return chains[i].Name < chains[j].Name })
	sort.Slice(errs, func(i, j int) bool { return errs[i].(*ChainError).Chain < errs[j].(*ChainError).Chain })
	return chains, errors.Join(errs...)
}

func (b *Blockchain) resolve(lookup LookupFunc) error {
	var errs []error
	if b.HTTPURLEnv == "" {
		errs = append(errs, fmt.Errorf("chain %s: http_url is required", b.Name))
	} else if v, ok := lookup(b.HTTPURLEnv); !ok || v == "" {
		errs = append(errs, fmt.Errorf("chain %s: http_url %s: %w", b.Name, b.HTTPURLEnv, ErrMissingEnvVar))
	} else {
		b.HTTPURL = v
	}

	if b.WSURLEnv == "" {
		errs = append(errs, fmt.Errorf("chain %s: ws_url is required", b.Name))
	} else if v, ok := lookup(b.WSURLEnv); !ok || v == "" {
		errs = append(errs, fmt.Errorf("chain %s: ws_url %s: %w", b.Name, b.WSURLEnv, ErrMissingEnvVar))
	} else {
		b.WSURL = v
	}
	return errors.Join(errs...)
}

// Validate checks a resolved chain.
func (b Blockchain) Validate() error {
	var errs []error
	if strings.TrimSpace(b.Name) == "" {
		errs = append(errs, errors.New("chain name must not be empty"))
	}
	if !chainadapter.Supported(b.AdapterType) {
		errs = append(errs, fmt.Errorf("chain %s: %w %q (supported: %s)",
			b.Name, chainadapter.ErrUnknownAdapterType, b.AdapterType, strings.Join(chainadapter.Types(), ", ")))
	}
	for _, s := range b.Schemas {
		if _, ok := supportedSchemas[s]; !ok {
			errs = append(errs, fmt.Errorf("chain %s: unsupported schema %q", b.Name, s))
		}
	}
	if b.EndBlock != nil && b.StartBlock == nil {
		errs = append(errs, fmt.Errorf("chain %s: end_block requires start_block", b.Name))
	}
	if b.StartBlock != nil && b.EndBlock != nil && *b.EndBlock < *b.StartBlock {
		errs = append(errs, fmt.Errorf("chain %s: end_block %d is below start_block %d", b.Name, *b.EndBlock, *b.StartBlock))
	}
	if b.HTTPURL == "" || b.WSURL == "" {
		errs = append(errs, fmt.Errorf("chain %s: endpoints are not resolved", b.Name))
	}
	return errors.Join(errs...)
}

// Endpoint returns what the adapter registry needs to build the chain's
// adapter.
func (b Blockchain) Endpoint() chainadapter.Endpoint {
	return chainadapter.Endpoint{
		Chain:       b.Name,
		AdapterType: b.AdapterType,
		HTTPURL:     b.HTTPURL,
		WSURL:       b.WSURL,
	}
}

// Topics maps every chain with an explicit topic to it.
func Topics(chains []Blockchain) map[string]string {
	out := make(map[string]string)
	for _, c := range chains {
		if c.Topic != "" {
			out[c.Name] = c.Topic
		}
	}
	return out
}

// Find returns the chain called name.
func Find(chains []Blockchain, name string) (Blockchain, bool) {
	for _, c := range chains {
		if c.Name == name {
			return c, true
		}
	}
	return Blockchain{}, false
}
