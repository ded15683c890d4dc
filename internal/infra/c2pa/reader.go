package c2pa

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"strings"

	"imgate/internal/domain"
)

// ParseManifest extracts the active manifest from image bytes for display.
// Unsigned, unsupported or malformed input yields Present=false.
func ParseManifest(data []byte) domain.ManifestInfo {
	format := DetectFormat(data)
	clean, store, err := containerFor(format).extract(data)
	if err != nil || store == nil {
		return domain.ManifestInfo{}
	}
	info := parseStore(store, clean)
	if info.Present && info.Format == "" {
		info.Format = string(format)
	}
	return info
}

func parseStore(store, clean []byte) domain.ManifestInfo {
	root, err := parseSuperbox(store)
	if err != nil || root.UUID != uuidManifestStore {
		return domain.ManifestInfo{}
	}
	manifests := root.superboxes()
	if len(manifests) == 0 {
		return domain.ManifestInfo{}
	}
	// the active manifest is the last one in the store
	active := manifests[len(manifests)-1]

	claimBox, ok := active.child(labelClaim)
	if !ok {
		return domain.ManifestInfo{}
	}
	claimContent, ok := claimBox.content()
	if !ok {
		return domain.ManifestInfo{}
	}
	var c claim
	if err := decMode.Unmarshal(claimContent.Data, &c); err != nil {
		return domain.ManifestInfo{}
	}

	info := domain.ManifestInfo{
		Present:        true,
		Title:          c.Title,
		ClaimGenerator: c.ClaimGenerator,
		Format:         c.Format,
	}

	assertionsIntact := true
	if as, ok := active.child(labelAssertionStore); ok {
		expected := make(map[string][]byte, len(c.Assertions))
		for _, ref := range c.Assertions {
			expected[ref.URL] = ref.Hash
		}
		for _, a := range as.superboxes() {
			sum := sha256.Sum256(a.bytes())
			if want, ok := expected[assertionURL(a.Label)]; !ok || !bytes.Equal(want, sum[:]) {
				assertionsIntact = false
			}
			data, ok := decodeAssertion(a)
			if !ok {
				continue
			}
			info.Assertions = append(info.Assertions, domain.ManifestAssertion{Label: a.Label, Data: data})
			collectAssertion(&info, a, clean)
		}
	}

	if sigBox, ok := active.child(labelSignature); ok {
		if env, ok := sigBox.content(); ok {
			if sig, err := verifyClaim(env.Data, claimContent.Data); err == nil {
				info.Signer = &domain.ManifestSigner{
					Issuer:     sig.Leaf.Issuer.CommonName,
					CommonName: sig.Leaf.Subject.CommonName,
					Time:       sig.SigningTime,
					TestSigner: sig.Leaf.Subject.CommonName == TestSignerCommonName,
				}
				if info.Signer.Issuer == "" {
					info.Signer.Issuer = sig.Leaf.Issuer.String()
				}
				info.SignatureValid = sig.Valid && assertionsIntact
			}
		}
	}
	return info
}

func decodeAssertion(a superbox) (any, bool) {
	content, ok := a.content()
	if !ok {
		return nil, false
	}
	var v any
	switch content.Type {
	case typeCBOR:
		if err := decMode.Unmarshal(content.Data, &v); err != nil {
			return nil, false
		}
	case typeJSON:
		if err := json.Unmarshal(content.Data, &v); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}
	return v, true
}

// collectAssertion lifts well-known assertions into typed ManifestInfo fields.
func collectAssertion(info *domain.ManifestInfo, a superbox, clean []byte) {
	content, _ := a.content()
	switch {
	case a.Label == LabelActions:
		var acts actionsAssertion
		if decMode.Unmarshal(content.Data, &acts) != nil {
			return
		}
		for _, act := range acts.Actions {
			info.Actions = append(info.Actions, domain.ManifestAction{
				Action:        act.Action,
				SoftwareAgent: act.SoftwareAgent,
				When:          act.When,
				Parameters:    act.Parameters,
			})
		}
	case strings.HasPrefix(a.Label, LabelIngredient):
		var ing ingredientAssertion
		if decMode.Unmarshal(content.Data, &ing) != nil {
			return
		}
		info.Ingredients = append(info.Ingredients, domain.ManifestIngredient{
			Title:        ing.Title,
			Format:       ing.Format,
			Relationship: ing.Relationship,
		})
	case a.Label == LabelHashData:
		var hd hashDataAssertion
		if clean == nil || decMode.Unmarshal(content.Data, &hd) != nil {
			return
		}
		sum := sha256.Sum256(clean)
		info.ContentBound = hd.Alg == hashAlg && bytes.Equal(hd.Hash, sum[:])
	}
}
