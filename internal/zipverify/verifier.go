// Package zipverify validates intake zips: signature check, entry
// classification, metadata parsing and declared-vs-actual reconciliation.
// Nothing is persisted here; every failure maps to a rejection code.
package zipverify

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/scangate/scangate/internal/rejection"
)

const (
	// AlgNone disables signature verification.
	AlgNone = "none"
	// AlgSha256Rsa expects a wrapping zip holding the envelope plus a
	// detached RSA-SHA256 signature over it.
	AlgSha256Rsa = "sha256withrsa"

	innerEnvelopeName = "envelope.zip"
	signatureName     = "signature"
)

// Extraction is the verified content of one intake zip.
type Extraction struct {
	Metadata *Metadata
	// Documents maps PDF entry name to its bytes.
	Documents map[string][]byte
}

// Verifier checks and unpacks intake zips.
type Verifier struct {
	alg       string
	publicKey *rsa.PublicKey
}

// NewVerifier builds a Verifier for the configured signature algorithm.
// publicKeyPEM is required for sha256withrsa and ignored for none.
func NewVerifier(alg string, publicKeyPEM []byte) (*Verifier, error) {
	switch alg {
	case AlgNone:
		return &Verifier{alg: alg}, nil
	case AlgSha256Rsa:
		block, _ := pem.Decode(publicKeyPEM)
		if block == nil {
			return nil, fmt.Errorf("signature verification: no PEM block in public key")
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signature verification: parse public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("signature verification: public key is %T, want RSA", key)
		}
		return &Verifier{alg: alg, publicKey: rsaKey}, nil
	default:
		return nil, fmt.Errorf("unknown signature algorithm %q", alg)
	}
}

// Open verifies the archive and returns its parsed metadata and documents.
func (v *Verifier) Open(data []byte) (*Extraction, error) {
	inner := data
	if v.alg == AlgSha256Rsa {
		var err error
		inner, err = v.unwrapSigned(data)
		if err != nil {
			return nil, err
		}
	}
	meta, pdfs, err := readEnvelope(inner)
	if err != nil {
		return nil, err
	}
	if err := reconcile(meta, pdfs); err != nil {
		return nil, err
	}
	return &Extraction{Metadata: meta, Documents: pdfs}, nil
}

// unwrapSigned splits the wrapping zip into envelope and signature and
// verifies the signature before trusting any content.
func (v *Verifier) unwrapSigned(data []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, rejection.Wrap(rejection.CodeZipInvalid, err, "file is not a valid zip archive")
	}
	var envelope, signature []byte
	for _, f := range r.File {
		content, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		switch f.Name {
		case innerEnvelopeName:
			envelope = content
		case signatureName:
			signature = content
		default:
			return nil, rejection.Reject(rejection.CodeSignatureFailure, "unexpected entry %q in signed zip", f.Name)
		}
	}
	if envelope == nil || signature == nil {
		return nil, rejection.Reject(rejection.CodeSignatureFailure, "signed zip must contain exactly %s and %s", innerEnvelopeName, signatureName)
	}
	digest := sha256.Sum256(envelope)
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return nil, rejection.Wrap(rejection.CodeSignatureFailure, err, "zip signature verification failed")
	}
	return envelope, nil
}

// readEnvelope streams the envelope zip, classifying each entry by extension.
func readEnvelope(data []byte) (*Metadata, map[string][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, rejection.Wrap(rejection.CodeZipInvalid, err, "file is not a valid zip archive")
	}
	pdfs := make(map[string][]byte)
	var metaRaw []byte
	for _, f := range r.File {
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".json":
			if metaRaw != nil {
				return nil, nil, rejection.Reject(rejection.CodeMetafileInvalid, "zip contains more than one metadata file")
			}
			metaRaw, err = readEntry(f)
			if err != nil {
				return nil, nil, err
			}
		case ".pdf":
			content, err := readEntry(f)
			if err != nil {
				return nil, nil, err
			}
			pdfs[f.Name] = content
		default:
			return nil, nil, rejection.Reject(rejection.CodeDisallowedDocType, "entry %q has a disallowed type, only PDF documents are accepted", f.Name)
		}
	}
	if metaRaw == nil {
		return nil, nil, rejection.Reject(rejection.CodeMetafileInvalid, "zip does not contain a metadata file")
	}
	meta, err := parseMetadata(metaRaw)
	if err != nil {
		return nil, nil, err
	}
	return meta, pdfs, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, rejection.Wrap(rejection.CodeZipInvalid, err, "cannot open zip entry %q", f.Name)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, rejection.Wrap(rejection.CodeZipInvalid, err, "cannot read zip entry %q", f.Name)
	}
	return content, nil
}
