// Package c2pa embeds and reads signed provenance manifests in JPEG, PNG and
// WEBP images. Manifests follow the C2PA manifest store layout: JUMBF
// superboxes holding CBOR/JSON assertions, a CBOR claim and a COSE_Sign1
// signature.
package c2pa

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"imgate/internal/domain"
)

const DefaultSoftwareAgent = "imgate/1.0"

var ErrNoCredential = errors.New("c2pa: no signing credential configured")

// SignOptions carry the per-delivery context recorded in the manifest.
type SignOptions struct {
	Title string
	Payer string
	TxRef string
}

// SignResult is the outcome of Sign. Bytes is always usable: on
// DegradedUnsigned it is the caller's original input and Err holds the cause.
type SignResult struct {
	Bytes  []byte
	Status domain.SignStatus
	Format Format
	Err    error
}

func (r SignResult) Signed() bool {
	return r.Status == domain.SignStatusSigned
}

type Signer struct {
	cred          *Credential
	softwareAgent string
	now           func() time.Time
	logger        *slog.Logger
}

type SignerOption func(*Signer)

func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

func WithLogger(l *slog.Logger) SignerOption {
	return func(s *Signer) { s.logger = l }
}

func WithSoftwareAgent(agent string) SignerOption {
	return func(s *Signer) { s.softwareAgent = agent }
}

// NewSigner returns a signer for cred. A nil credential is allowed: every
// Sign call then degrades to unsigned output.
func NewSigner(cred *Credential, opts ...SignerOption) *Signer {
	s := &Signer{
		cred:          cred,
		softwareAgent: DefaultSoftwareAgent,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// UsesTestCredential reports whether manifests are signed with the
// built-in self-signed credential.
func (s *Signer) UsesTestCredential() bool {
	return s.cred != nil && s.cred.Test
}

// Sign embeds a freshly signed manifest carrying terms and creator into
// image. It never fails: any error yields the original bytes with
// Status DegradedUnsigned.
func (s *Signer) Sign(image []byte, terms domain.PaymentTerms, creator domain.CreatorInfo, opts SignOptions) (res SignResult) {
	format := DetectFormat(image)
	defer func() {
		if r := recover(); r != nil {
			res = s.degraded(image, format, fmt.Errorf("c2pa: panic while signing: %v", r))
		}
	}()

	out, err := s.sign(image, format, terms, creator, opts)
	if err != nil {
		return s.degraded(image, format, err)
	}
	return SignResult{Bytes: out, Status: domain.SignStatusSigned, Format: format}
}

func (s *Signer) degraded(image []byte, format Format, err error) SignResult {
	s.logger.Warn("provenance signing degraded, delivering unsigned bytes",
		"format", string(format),
		"error", err,
	)
	return SignResult{Bytes: image, Status: domain.SignStatusDegradedUnsigned, Format: format, Err: err}
}

func (s *Signer) sign(image []byte, format Format, terms domain.PaymentTerms, creator domain.CreatorInfo, opts SignOptions) ([]byte, error) {
	if s.cred == nil || s.cred.Key == nil || s.cred.leaf() == nil {
		return nil, ErrNoCredential
	}
	c := containerFor(format)
	clean, existing, err := c.extract(image)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	title := opts.Title
	if title == "" {
		title = "untitled"
	}

	params := map[string]any{}
	if opts.Payer != "" {
		params["licensee"] = opts.Payer
	}
	if opts.TxRef != "" {
		params["transaction"] = opts.TxRef
	}
	if len(params) == 0 {
		params = nil
	}

	actions, err := cborAssertion(LabelActions, actionsAssertion{Actions: []actionEntry{{
		Action:        ActionCreated,
		SoftwareAgent: s.softwareAgent,
		When:          now.Format(time.RFC3339),
		Parameters:    params,
	}}})
	if err != nil {
		return nil, err
	}
	payment, err := jsonAssertion(LabelPayment, terms)
	if err != nil {
		return nil, err
	}
	work, err := jsonAssertion(LabelCreativeWork, newCreativeWork(terms, creator))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(clean)
	binding, err := cborAssertion(LabelHashData, hashDataAssertion{Name: "jumbf manifest", Alg: hashAlg, Hash: sum[:]})
	if err != nil {
		return nil, err
	}
	assertions := []superbox{actions, payment, work}

	if existing != nil {
		parentTitle := "original"
		if prior := parseStore(existing, nil); prior.Title != "" {
			parentTitle = prior.Title
		}
		ingredient, err := cborAssertion(LabelIngredient, ingredientAssertion{
			Title:        parentTitle,
			Format:       string(format),
			InstanceID:   fmt.Sprintf("xmp:iid:%x", sha256.Sum256(existing)),
			Relationship: RelationshipParentOf,
		})
		if err != nil {
			return nil, err
		}
		assertions = append(assertions, ingredient)
	}
	assertions = append(assertions, binding)

	store, err := buildStore(manifestParts{
		claimGenerator: s.softwareAgent,
		title:          title,
		format:         format,
		assertions:     assertions,
	}, func(claimBytes []byte) ([]byte, error) {
		return signClaim(s.cred, claimBytes, now)
	})
	if err != nil {
		return nil, err
	}
	return c.embed(clean, store)
}
