package c2pa

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// COSE_Sign1 (RFC 9052) with a detached payload: the claim bytes are signed
// but carried in their own box.

const (
	coseSign1Tag = 18
	coseAlgES256 = -7
	es256SigSize = 64
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

type protectedHeader struct {
	Alg         int64    `cbor:"1,keyasint"`
	X5Chain     [][]byte `cbor:"33,keyasint"`
	SigningTime string   `cbor:"signingTime,omitempty"`
}

type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[string]any
	Payload     []byte
	Signature   []byte
}

func sigStructure(protected, payload []byte) ([]byte, error) {
	return encMode.Marshal([]any{"Signature1", protected, []byte{}, payload})
}

func signClaim(cred *Credential, claimBytes []byte, at time.Time) ([]byte, error) {
	chain := make([][]byte, 0, len(cred.Chain))
	for _, c := range cred.Chain {
		chain = append(chain, c.Raw)
	}
	protected, err := encMode.Marshal(protectedHeader{
		Alg:         coseAlgES256,
		X5Chain:     chain,
		SigningTime: at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("encode protected header: %w", err)
	}
	toSign, err := sigStructure(protected, claimBytes)
	if err != nil {
		return nil, fmt.Errorf("encode sig structure: %w", err)
	}
	digest := sha256.Sum256(toSign)
	r, s, err := ecdsa.Sign(rand.Reader, cred.Key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	sig := make([]byte, es256SigSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return encMode.Marshal(cbor.Tag{
		Number: coseSign1Tag,
		Content: coseSign1{
			Protected:   protected,
			Unprotected: map[string]any{},
			Signature:   sig,
		},
	})
}

type verifiedSignature struct {
	Leaf        *x509.Certificate
	SigningTime time.Time
	Valid       bool
}

// verifyClaim decodes the COSE envelope and checks it against claimBytes.
// A structurally sound envelope with a bad signature returns Valid=false and
// no error so the signer identity can still be displayed.
func verifyClaim(envelope, claimBytes []byte) (verifiedSignature, error) {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(envelope, &tag); err != nil {
		return verifiedSignature{}, fmt.Errorf("decode cose: %w", err)
	}
	if tag.Number != coseSign1Tag {
		return verifiedSignature{}, fmt.Errorf("cose: unexpected tag %d", tag.Number)
	}
	var msg coseSign1
	if err := decMode.Unmarshal(tag.Content, &msg); err != nil {
		return verifiedSignature{}, fmt.Errorf("decode cose_sign1: %w", err)
	}
	var hdr protectedHeader
	if err := decMode.Unmarshal(msg.Protected, &hdr); err != nil {
		return verifiedSignature{}, fmt.Errorf("decode protected header: %w", err)
	}
	if len(hdr.X5Chain) == 0 {
		return verifiedSignature{}, errors.New("cose: missing x5chain")
	}
	leaf, err := x509.ParseCertificate(hdr.X5Chain[0])
	if err != nil {
		return verifiedSignature{}, fmt.Errorf("parse signer certificate: %w", err)
	}
	out := verifiedSignature{Leaf: leaf}
	if hdr.SigningTime != "" {
		if t, err := time.Parse(time.RFC3339, hdr.SigningTime); err == nil {
			out.SigningTime = t
		}
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok || hdr.Alg != coseAlgES256 || len(msg.Signature) != es256SigSize {
		return out, nil
	}
	toVerify, err := sigStructure(msg.Protected, claimBytes)
	if err != nil {
		return out, nil
	}
	digest := sha256.Sum256(toVerify)
	r := new(big.Int).SetBytes(msg.Signature[:32])
	s := new(big.Int).SetBytes(msg.Signature[32:])
	out.Valid = ecdsa.Verify(pub, digest[:], r, s)
	return out, nil
}
