package distfe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// ufByState maps the certificate subject state field to the authorizing
// region code the distribution service expects.
var ufByState = map[string]string{
	"AC": "12", "AL": "27", "AP": "16", "AM": "13", "BA": "29",
	"CE": "23", "DF": "53", "ES": "32", "GO": "52", "MA": "21",
	"MT": "51", "MS": "50", "MG": "31", "PA": "15", "PB": "25",
	"PR": "41", "PE": "26", "PI": "22", "RJ": "33", "RN": "24",
	"RS": "43", "RO": "11", "RR": "14", "SC": "42", "SP": "35",
	"SE": "28", "TO": "17",
}

// nationalEnvironmentUF is the jurisdiction-neutral authorizing code.
const nationalEnvironmentUF = "91"

// allUFCodes returns every known valid authorizing code in canonical
// (ascending) order. Kept as a last-resort fallback when the server keeps
// rejecting the preferred candidates.
func allUFCodes() []string {
	out := make([]string, 0, len(ufByState)+1)
	for _, code := range ufByState {
		out = append(out, code)
	}
	out = append(out, nationalEnvironmentUF)
	sort.Strings(out)
	return out
}

// authorizerCandidates builds the ordered, deduplicated candidate list:
// certificate-derived code first, then the configured fallback, then the
// exhaustive table.
func authorizerCandidates(certState, fallback string) []string {
	var ordered []string
	if code, ok := ufByState[strings.ToUpper(strings.TrimSpace(certState))]; ok {
		ordered = append(ordered, code)
	}
	if fallback != "" {
		ordered = append(ordered, fallback)
	}
	ordered = append(ordered, allUFCodes()...)

	seen := make(map[string]bool, len(ordered))
	out := make([]string, 0, len(ordered))
	for _, c := range ordered {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// CertMaterial is a decrypted, parsed client certificate ready for TLS.
type CertMaterial struct {
	TLS   tls.Certificate
	State string // subject state field, may be empty
}

// OpenBundle decrypts an at-rest PKCS#12 bundle and password with the
// given AES-GCM key (hex-encoded, 32 bytes) and parses it into TLS
// material.
func OpenBundle(secretKeyHex string, sealedBundle, sealedPassword []byte) (CertMaterial, error) {
	key, err := hex.DecodeString(secretKeyHex)
	if err != nil || len(key) != 32 {
		return CertMaterial{}, errors.New("cert secret key must be 32 bytes hex")
	}
	bundle, err := unseal(key, sealedBundle)
	if err != nil {
		return CertMaterial{}, fmt.Errorf("decrypt bundle: %w", err)
	}
	password, err := unseal(key, sealedPassword)
	if err != nil {
		return CertMaterial{}, fmt.Errorf("decrypt password: %w", err)
	}
	return ParseBundle(bundle, string(password))
}

// ParseBundle converts a plaintext PKCS#12 bundle into TLS material.
func ParseBundle(bundle []byte, password string) (CertMaterial, error) {
	blocks, err := pkcs12.ToPEM(bundle, password)
	if err != nil {
		return CertMaterial{}, fmt.Errorf("parse pkcs12: %w", err)
	}

	var cert tls.Certificate
	var leaf *x509.Certificate
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			cert.Certificate = append(cert.Certificate, b.Bytes)
			if leaf == nil {
				if parsed, err := x509.ParseCertificate(b.Bytes); err == nil {
					leaf = parsed
				}
			}
		case "PRIVATE KEY":
			key, err := parsePrivateKey(b.Bytes)
			if err != nil {
				return CertMaterial{}, err
			}
			cert.PrivateKey = key
		}
	}
	if len(cert.Certificate) == 0 || cert.PrivateKey == nil {
		return CertMaterial{}, errors.New("pkcs12 bundle missing certificate or key")
	}

	state := ""
	if leaf != nil && len(leaf.Subject.Province) > 0 {
		state = leaf.Subject.Province[0]
	}
	return CertMaterial{TLS: cert, State: state}, nil
}

func parsePrivateKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key format")
}

func unseal(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed payload too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Seal encrypts plaintext with the store key. Used when loading
// certificates into the database.
func Seal(secretKeyHex string, nonce, plaintext []byte) ([]byte, error) {
	key, err := hex.DecodeString(secretKeyHex)
	if err != nil || len(key) != 32 {
		return nil, errors.New("cert secret key must be 32 bytes hex")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", gcm.NonceSize())
	}
	return append(append([]byte{}, nonce...), gcm.Seal(nil, nonce, plaintext, nil)...), nil
}
