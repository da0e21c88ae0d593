package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/models"
	policy_repo "github.com/questlog/vault-api/src/repository/policy"
	"github.com/questlog/vault-api/src/services/security"
)

// Registry is the authoritative crypto policy lookup. Encrypt paths always
// resolve the single current policy; decrypt paths resolve the exact version
// stored with the record, current or deprecated.
//
// Resolved versions are cached in memory. Policy rows are immutable except
// for the current/deprecated flags, and neither flag changes how a stored
// record decrypts, so cached entries never go stale in a way that matters
// for correctness; rollouts invalidate the current-pointer cache explicitly.
//
// That invalidation is process-local. Rollouts are assumed to go through a
// single instance; other instances keep encrypting under their cached current
// version until their own rollout or restart. Records written in that window
// stay decryptable regardless, because decrypt resolves by the version tag
// stored on the record.
type Registry struct {
	repo   *policy_repo.PolicyRepository
	logger *logrus.Logger

	mu      sync.RWMutex
	byVer   map[string]*models.CryptoPolicy
	current *models.CryptoPolicy
}

// NewRegistry creates a policy registry over the repository.
func NewRegistry(repo *policy_repo.PolicyRepository, logger *logrus.Logger) *Registry {
	return &Registry{
		repo:   repo,
		logger: logger,
		byVer:  make(map[string]*models.CryptoPolicy),
	}
}

// Bootstrap ensures the table exists and seeds the launch policy on an empty
// deployment.
func (r *Registry) Bootstrap(ctx context.Context) error {
	if err := r.repo.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure crypto_policies table: %w", err)
	}
	return r.repo.EnsureDefault(ctx)
}

// Current returns the policy used for all new encryptions.
func (r *Registry) Current(ctx context.Context) (*models.CryptoPolicy, error) {
	r.mu.RLock()
	if r.current != nil {
		p := r.current
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	p, err := r.repo.Current(ctx)
	if err != nil {
		if errors.Is(err, policy_repo.ErrPolicyNotFound) {
			return nil, security.ErrPolicyVersionUnsupported
		}
		return nil, err
	}

	r.mu.Lock()
	r.current = p
	r.byVer[p.Version] = p
	r.mu.Unlock()
	return p, nil
}

// Resolve returns the policy for a stored version tag. Unknown versions map
// to the unsupported-version sentinel so callers surface a stable error
// instead of a storage detail.
func (r *Registry) Resolve(ctx context.Context, version string) (*models.CryptoPolicy, error) {
	if version == "" {
		return nil, security.ErrPolicyVersionUnsupported
	}

	r.mu.RLock()
	if p, ok := r.byVer[version]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	p, err := r.repo.Get(ctx, version)
	if err != nil {
		if errors.Is(err, policy_repo.ErrPolicyNotFound) {
			return nil, fmt.Errorf("%w: %s", security.ErrPolicyVersionUnsupported, version)
		}
		return nil, err
	}

	r.mu.Lock()
	r.byVer[p.Version] = p
	r.mu.Unlock()
	return p, nil
}

// List returns every registered policy version, newest first.
func (r *Registry) List(ctx context.Context) ([]models.CryptoPolicy, error) {
	return r.repo.List(ctx)
}

// Rollout registers a new current policy after validating it. The previous
// current version is demoted to deprecated, never removed.
func (r *Registry) Rollout(ctx context.Context, p *models.CryptoPolicy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, p); err != nil {
		return err
	}

	r.mu.Lock()
	r.current = nil
	delete(r.byVer, p.Version)
	// The demoted version's flags changed; drop every cached entry so the
	// next List/Resolve reads fresh flags.
	for v := range r.byVer {
		delete(r.byVer, v)
	}
	r.mu.Unlock()
	return nil
}

// Deprecate marks a non-current version deprecated. Records encrypted under
// it remain decryptable.
func (r *Registry) Deprecate(ctx context.Context, version string) error {
	if err := r.repo.Deprecate(ctx, version); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.byVer, version)
	r.mu.Unlock()
	return nil
}

// validatePolicy rejects tuples the cipher and KDF layers cannot execute.
func validatePolicy(p *models.CryptoPolicy) error {
	if p.Version == "" {
		return fmt.Errorf("policy version is required")
	}

	switch p.Algorithm {
	case models.AlgorithmAESGCM:
		if p.IVLength != 12 {
			return fmt.Errorf("%s requires a 12-byte IV, got %d", p.Algorithm, p.IVLength)
		}
	case models.AlgorithmXChaCha:
		if p.IVLength != 24 {
			return fmt.Errorf("%s requires a 24-byte IV, got %d", p.Algorithm, p.IVLength)
		}
	default:
		return fmt.Errorf("unknown algorithm %q", p.Algorithm)
	}

	if p.SaltLength < 16 {
		return fmt.Errorf("salt length must be at least 16 bytes, got %d", p.SaltLength)
	}

	params, err := p.Params()
	if err != nil {
		return fmt.Errorf("invalid kdf params: %w", err)
	}
	if params.KeyLength != security.KeySize {
		return fmt.Errorf("kdf key length must be %d bytes, got %d", security.KeySize, params.KeyLength)
	}

	switch p.KDF {
	case models.KDFArgon2id:
		if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 {
			return fmt.Errorf("argon2id requires time, memory and threads parameters")
		}
	case models.KDFPBKDF2SHA256:
		if params.Iterations < 100_000 {
			return fmt.Errorf("pbkdf2 iteration count %d is below the floor", params.Iterations)
		}
	default:
		return fmt.Errorf("unknown kdf %q", p.KDF)
	}

	return nil
}
