package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DomainSuffix is appended to every registered name.
	DomainSuffix = ".fire"

	minDomainLength = 3
	maxDomainLength = 32

	defaultRegistryTimeout = 15 * time.Second
)

var (
	// ErrInvalidDomain indicates a name outside the allowed shape.
	ErrInvalidDomain = errors.New("identity: invalid domain name")
	// ErrDomainTaken indicates the name is already registered.
	ErrDomainTaken = errors.New("identity: domain already registered")
	// ErrDomainNotFound indicates no registration exists for the name.
	ErrDomainNotFound = errors.New("identity: domain not found")
)

var domainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,30}[a-z0-9]$`)

// CanonicalDomain strips the suffix, lowercases, and validates a name.
func CanonicalDomain(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, DomainSuffix)
	if len(name) < minDomainLength || len(name) > maxDomainLength {
		return "", fmt.Errorf("%w: %q must be between %d and %d characters", ErrInvalidDomain, name, minDomainLength, maxDomainLength)
	}
	if !domainPattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, name)
	}
	return name, nil
}

// Registry resolves domain names against the registry node's HTTP surface.
// The on-chain contract binding lives behind that surface; this client only
// speaks its JSON API.
type Registry struct {
	baseURL string
	client  *http.Client
}

// RegistryOptions configures a Registry client.
type RegistryOptions struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// NewRegistry builds a registry client for a base URL.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("identity: registry base URL is required")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultRegistryTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Registry{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
	}, nil
}

type resolveResponse struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	ImageRef  string `json:"image_ref"`
	ExpiresAt int64  `json:"expires_at"`
}

type availabilityResponse struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	ImageRef string `json:"image_ref,omitempty"`
	Duration int64  `json:"duration_seconds,omitempty"`
}

type registerResponse struct {
	Name           string `json:"name"`
	TransactionRef string `json:"transaction_ref"`
}

type registryError struct {
	Error string `json:"error"`
}

// Resolve returns the wallet address registered for a domain name.
func (r *Registry) Resolve(ctx context.Context, name string) (string, error) {
	canonical, err := CanonicalDomain(name)
	if err != nil {
		return "", err
	}

	var resp resolveResponse
	if err := r.get(ctx, "/domains/"+canonical, &resp); err != nil {
		return "", err
	}

	address, err := Normalize(resp.Address)
	if err != nil {
		return "", fmt.Errorf("resolve %q: registry returned %q: %w", canonical, resp.Address, err)
	}
	return address, nil
}

// ReverseResolve returns the primary domain registered for an address.
func (r *Registry) ReverseResolve(ctx context.Context, address string) (string, error) {
	normalized, err := Normalize(address)
	if err != nil {
		return "", err
	}

	var resp resolveResponse
	if err := r.get(ctx, "/addresses/"+normalized, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

// Available reports whether a domain name can still be registered.
func (r *Registry) Available(ctx context.Context, name string) (bool, error) {
	canonical, err := CanonicalDomain(name)
	if err != nil {
		return false, err
	}

	var resp availabilityResponse
	if err := r.get(ctx, "/domains/"+canonical+"/availability", &resp); err != nil {
		return false, err
	}
	return resp.Available, nil
}

// Register submits a registration for a domain name owned by owner. The
// returned reference identifies the confirming registry transaction.
func (r *Registry) Register(ctx context.Context, name, owner, imageRef string) (string, error) {
	canonical, err := CanonicalDomain(name)
	if err != nil {
		return "", err
	}
	normalizedOwner, err := Normalize(owner)
	if err != nil {
		return "", err
	}

	available, err := r.Available(ctx, canonical)
	if err != nil {
		return "", err
	}
	if !available {
		return "", fmt.Errorf("%w: %q", ErrDomainTaken, canonical)
	}

	body, err := json.Marshal(registerRequest{
		Name:     canonical,
		Owner:    normalizedOwner,
		ImageRef: imageRef,
		Duration: int64((365 * 24 * time.Hour).Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/domains", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit registration for %q: %w", canonical, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusConflict {
		return "", fmt.Errorf("%w: %q", ErrDomainTaken, canonical)
	}
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		return "", decodeRegistryError(httpResp)
	}

	var resp registerResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode registration response: %w", err)
	}

	log.Info().Str("domain", canonical).Str("ref", resp.TransactionRef).Msg("domain registration submitted")
	return resp.TransactionRef, nil
}

func (r *Registry) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry request %q: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrDomainNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return decodeRegistryError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode registry response for %q: %w", path, err)
	}
	return nil
}

func decodeRegistryError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var remote registryError
	if err := json.Unmarshal(raw, &remote); err == nil && remote.Error != "" {
		return fmt.Errorf("registry error [%d]: %s", resp.StatusCode, remote.Error)
	}
	return fmt.Errorf("registry error [%d]", resp.StatusCode)
}
