// Package blob stores and retrieves encrypted originals by content address.
// Every backend names blobs by a CIDv1 (raw codec, sha2-256) so locators are
// portable between IPFS, local disk and object storage.
package blob

import (
	"context"
	"fmt"

	"imgate/internal/domain"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

type Putter interface {
	Put(ctx context.Context, name string, data []byte) (locator string, err error)
}

type Store interface {
	Fetcher
	Putter
}

var cidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// Locator returns the content identifier for data.
func Locator(data []byte) (string, error) {
	c, err := cidPrefix.Sum(data)
	if err != nil {
		return "", fmt.Errorf("compute cid: %w", err)
	}
	return c.String(), nil
}

// ParseLocator validates a locator and returns its canonical form.
func ParseLocator(locator string) (cid.Cid, error) {
	c, err := cid.Decode(locator)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: invalid blob locator %q", domain.ErrMalformedInput, locator)
	}
	return c, nil
}

// Verify checks that data hashes to locator. Gateways are untrusted.
func Verify(locator string, data []byte) error {
	want, err := ParseLocator(locator)
	if err != nil {
		return err
	}
	got, err := want.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("compute cid: %w", err)
	}
	if !got.Equals(want) {
		return fmt.Errorf("%w: blob content does not match locator %s", domain.ErrIntegrity, locator)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, op, err)
}
