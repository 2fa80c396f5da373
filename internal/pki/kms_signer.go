package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// ErrUnsupportedHash is returned when KMS is asked to sign anything but a SHA-256 digest.
var ErrUnsupportedHash = errors.New("kms signer only supports SHA-256 digests")

// KMSClient is the subset of the KMS API used for signing.
type KMSClient interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSSigner issues certificates with a CA key held in AWS KMS. The private key
// never leaves KMS.
type KMSSigner struct {
	caCert *x509.Certificate
	signer *kmsCryptoSigner
}

// NewKMSSigner checks that the ECDSA key identified by keyID matches the
// public key of caCertPEM. keyID can be a key ID, key ARN, alias name or alias ARN.
func NewKMSSigner(ctx context.Context, client KMSClient, keyID string, caCertPEM []byte) (*KMSSigner, error) {
	block, _ := pem.Decode(caCertPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: CA certificate PEM", ErrNoCertificate)
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	signer, err := newKMSCryptoSigner(ctx, client, keyID)
	if err != nil {
		return nil, err
	}

	if !signer.publicKey.Equal(caCert.PublicKey) {
		return nil, fmt.Errorf("%w: KMS key %s does not match CA certificate %s", ErrKeyMismatch, keyID, caCert.Subject)
	}

	return &KMSSigner{caCert: caCert, signer: signer}, nil
}

// NewKMSSignerFromConfig creates the KMS client from awsConfig.
func NewKMSSignerFromConfig(ctx context.Context, awsConfig aws.Config, keyID string, caCertPEM []byte) (*KMSSigner, error) {
	return NewKMSSigner(ctx, kms.NewFromConfig(awsConfig), keyID, caCertPEM)
}

// SignCertificate returns the DER certificate for template signed through KMS.
func (s *KMSSigner) SignCertificate(template *x509.Certificate) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, s.caCert, template.PublicKey, s.signer)
}

// GetCACertificate returns the CA certificate.
func (s *KMSSigner) GetCACertificate() (*x509.Certificate, error) {
	return s.caCert, nil
}

// kmsCryptoSigner adapts a KMS asymmetric key to crypto.Signer.
type kmsCryptoSigner struct {
	client    KMSClient
	keyID     string
	publicKey *ecdsa.PublicKey
	// crypto.Signer has no context parameter
	ctx context.Context
}

func newKMSCryptoSigner(ctx context.Context, client KMSClient, keyID string) (*kmsCryptoSigner, error) {
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from KMS: %w", err)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}

	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: KMS key is %T, want ECDSA", ErrUnsupportedKey, pub)
	}

	return &kmsCryptoSigner{client: client, keyID: keyID, publicKey: ecdsaPub, ctx: ctx}, nil
}

func (k *kmsCryptoSigner) Public() crypto.PublicKey {
	return k.publicKey
}

// Sign sends the digest to KMS. KMS returns an ASN.1 ECDSA-Sig-Value, the
// encoding x509 expects, which is checked before being returned.
func (k *kmsCryptoSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("%w: got %v", ErrUnsupportedHash, opts.HashFunc())
	}

	out, err := k.client.Sign(k.ctx, &kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign operation failed: %w", err)
	}

	var sig struct {
		R, S *big.Int
	}
	if rest, err := asn1.Unmarshal(out.Signature, &sig); err != nil || len(rest) != 0 {
		return nil, fmt.Errorf("invalid signature returned by KMS: %w", errors.Join(err, errTrailingData(rest)))
	}

	return out.Signature, nil
}

func errTrailingData(rest []byte) error {
	if len(rest) == 0 {
		return nil
	}
	return fmt.Errorf("%d trailing bytes", len(rest))
}
