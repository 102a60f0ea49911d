// Package secrets resolves "ssm:" references in the config through AWS
// Systems Manager Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"cinebot/internal/config"
)

// ssmAPI is the part of *ssm.Client the resolver uses.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver fetches decrypted parameters and memoizes them for the process
// lifetime, so config reloads do not refetch unchanged references.
type Resolver struct {
	api ssmAPI

	mu    sync.Mutex
	cache map[string]string
}

func New(api ssmAPI) (*Resolver, error) {
	if api == nil {
		return nil, errors.New("secrets: api must not be nil")
	}
	return &Resolver{api: api, cache: map[string]string{}}, nil
}

// Open builds a Resolver from the default AWS credential chain.
func Open(ctx context.Context, region string) (*Resolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if r := strings.TrimSpace(region); r != "" {
		opts = append(opts, awsconfig.WithRegion(r))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg))
}

// Resolve returns v unchanged unless it is a secret reference.
func (r *Resolver) Resolve(ctx context.Context, v string) (string, error) {
	if !config.IsSecretRef(v) {
		return v, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), config.SecretPrefix))
	if name == "" {
		return "", errors.New("secrets: parameter name is required")
	}

	r.mu.Lock()
	cached, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	withDecryption := true
	out, err := r.api.GetParameter(ctx, &ssm.GetParameterInput{Name: &name, WithDecryption: &withDecryption})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q has no value", name)
	}
	val := *out.Parameter.Value

	r.mu.Lock()
	r.cache[name] = val
	r.mu.Unlock()
	return val, nil
}

// ResolveConfig replaces every secret reference in cfg in place.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	fields := []struct {
		path string
		ptr  *string
	}{
		{"telegram.token", &cfg.Telegram.Token},
		{"backend.token", &cfg.Backend.Token},
		{"catalog.api_key", &cfg.Catalog.APIKey},
		{"ops.token", &cfg.Ops.Token},
	}
	var errs []error
	for _, f := range fields {
		v, err := r.Resolve(ctx, *f.ptr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.path, err))
			continue
		}
		*f.ptr = v
	}
	return errors.Join(errs...)
}

// HasRefs reports whether cfg references any secret.
func HasRefs(cfg *config.Config) bool {
	for _, v := range []string{cfg.Telegram.Token, cfg.Backend.Token, cfg.Catalog.APIKey, cfg.Ops.Token} {
		if config.IsSecretRef(v) {
			return true
		}
	}
	return false
}

// Prepare returns a config.Manager prepare hook. The AWS client is created
// on first use, so configs without references never touch AWS.
func Prepare(region string) func(ctx context.Context, cfg *config.Config) error {
	var (
		mu  sync.Mutex
		res *Resolver
	)
	return func(ctx context.Context, cfg *config.Config) error {
		if !HasRefs(cfg) {
			return nil
		}
		mu.Lock()
		if res == nil {
			r, err := Open(ctx, region)
			if err != nil {
				mu.Unlock()
				return err
			}
			res = r
		}
		mu.Unlock()
		return res.ResolveConfig(ctx, cfg)
	}
}
