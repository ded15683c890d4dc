package c2pa

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"imgate/internal/domain"

	"github.com/google/uuid"
)

const (
	LabelActions        = "c2pa.actions"
	LabelHashData       = "c2pa.hash.data"
	LabelIngredient     = "c2pa.ingredient"
	LabelPayment        = "payment-requirements"
	LabelCreativeWork   = "stds.schema-org.CreativeWork"
	labelAssertionStore = "c2pa.assertions"
	labelClaim          = "c2pa.claim"
	labelSignature      = "c2pa.signature"
	labelManifestStore  = "c2pa"

	ActionCreated        = "c2pa.created"
	RelationshipParentOf = "parentOf"

	hashAlg = "sha256"
)

type actionEntry struct {
	Action        string         `cbor:"action"`
	SoftwareAgent string         `cbor:"softwareAgent,omitempty"`
	When          string         `cbor:"when,omitempty"`
	Parameters    map[string]any `cbor:"parameters,omitempty"`
}

type actionsAssertion struct {
	Actions []actionEntry `cbor:"actions"`
}

type hashDataAssertion struct {
	Name string `cbor:"name"`
	Alg  string `cbor:"alg"`
	Hash []byte `cbor:"hash"`
}

type ingredientAssertion struct {
	Title        string `cbor:"dc:title"`
	Format       string `cbor:"dc:format"`
	InstanceID   string `cbor:"instanceID"`
	Relationship string `cbor:"relationship"`
}

type creativeWorkAuthor struct {
	Type         string `json:"@type"`
	Name         string `json:"name,omitempty"`
	SocialHandle string `json:"socialHandle,omitempty"`
	Bio          string `json:"bio,omitempty"`
}

type creativeWorkOffer struct {
	Type          string `json:"@type"`
	Price         string `json:"price"`
	PriceCurrency string `json:"priceCurrency"`
}

type creativeWorkAssertion struct {
	Context     string               `json:"@context"`
	Type        string               `json:"@type"`
	Author      []creativeWorkAuthor `json:"author,omitempty"`
	Description string               `json:"description,omitempty"`
	Offers      creativeWorkOffer    `json:"offers"`
}

type hashedURI struct {
	URL  string `cbor:"url"`
	Alg  string `cbor:"alg"`
	Hash []byte `cbor:"hash"`
}

type claim struct {
	ClaimGenerator string      `cbor:"claim_generator"`
	Title          string      `cbor:"dc:title"`
	Format         string      `cbor:"dc:format"`
	InstanceID     string      `cbor:"instanceID"`
	Signature      string      `cbor:"signature"`
	Assertions     []hashedURI `cbor:"assertions"`
	Alg            string      `cbor:"alg"`
}

func assertionURL(label string) string {
	return "self#jumbf=" + labelAssertionStore + "/" + label
}

func cborAssertion(label string, v any) (superbox, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return superbox{}, fmt.Errorf("encode %s: %w", label, err)
	}
	return cborContentBox(label, b), nil
}

func jsonAssertion(label string, v any) (superbox, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return superbox{}, fmt.Errorf("encode %s: %w", label, err)
	}
	return jsonContentBox(label, b), nil
}

func newCreativeWork(terms domain.PaymentTerms, creator domain.CreatorInfo) creativeWorkAssertion {
	cw := creativeWorkAssertion{
		Context:     "https://schema.org",
		Type:        "CreativeWork",
		Description: creator.Description,
		Offers: creativeWorkOffer{
			Type:          "Offer",
			Price:         terms.Amount.String(),
			PriceCurrency: terms.Currency,
		},
	}
	if creator.Name != "" || creator.SocialHandle != "" || creator.Bio != "" {
		cw.Author = []creativeWorkAuthor{{
			Type:         "Person",
			Name:         creator.Name,
			SocialHandle: creator.SocialHandle,
			Bio:          creator.Bio,
		}}
	}
	return cw
}

// manifestParts is everything that goes into one manifest before signing.
type manifestParts struct {
	claimGenerator string
	title          string
	format         Format
	assertions     []superbox
}

// buildStore hashes the assertions into a claim, signs it and wraps the
// result in a manifest store superbox.
func buildStore(parts manifestParts, sign func(claimBytes []byte) ([]byte, error)) ([]byte, error) {
	refs := make([]hashedURI, 0, len(parts.assertions))
	assertionBoxes := make([]box, 0, len(parts.assertions))
	for _, a := range parts.assertions {
		b := a.box()
		sum := sha256.Sum256(b.bytes())
		refs = append(refs, hashedURI{URL: assertionURL(a.Label), Alg: hashAlg, Hash: sum[:]})
		assertionBoxes = append(assertionBoxes, b)
	}

	instanceID := "xmp:iid:" + uuid.NewString()
	c := claim{
		ClaimGenerator: parts.claimGenerator,
		Title:          parts.title,
		Format:         string(parts.format),
		InstanceID:     instanceID,
		Signature:      "self#jumbf=" + labelSignature,
		Assertions:     refs,
		Alg:            hashAlg,
	}
	claimBytes, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode claim: %w", err)
	}
	envelope, err := sign(claimBytes)
	if err != nil {
		return nil, err
	}

	manifest := superbox{
		UUID:  uuidManifest,
		Label: "urn:uuid:" + uuid.NewString(),
		Children: []box{
			superbox{UUID: uuidAssertionStore, Label: labelAssertionStore, Children: assertionBoxes}.box(),
			superbox{UUID: uuidClaim, Label: labelClaim, Children: []box{{Type: typeCBOR, Data: claimBytes}}}.box(),
			superbox{UUID: uuidSignature, Label: labelSignature, Children: []box{{Type: typeCBOR, Data: envelope}}}.box(),
		},
	}
	store := superbox{UUID: uuidManifestStore, Label: labelManifestStore, Children: []box{manifest.box()}}
	return store.bytes(), nil
}
