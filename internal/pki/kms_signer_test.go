package pki

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/require"
)

// fakeKMS signs digests with a local key.
type fakeKMS struct {
	key    *ecdsa.PrivateKey
	pubDER []byte
	signed int
}

func newFakeKMS(t *testing.T) *fakeKMS {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	return &fakeKMS{key: key, pubDER: der}
}

func (f *fakeKMS) GetPublicKey(_ context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	if aws.ToString(in.KeyId) != "alias/ca" {
		return nil, errors.New("NotFoundException")
	}
	return &kms.GetPublicKeyOutput{PublicKey: f.pubDER}, nil
}

func (f *fakeKMS) Sign(_ context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	if in.MessageType != types.MessageTypeDigest || in.SigningAlgorithm != types.SigningAlgorithmSpecEcdsaSha256 {
		return nil, errors.New("ValidationException")
	}
	f.signed++
	sig, err := ecdsa.SignASN1(rand.Reader, f.key, in.Message)
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: sig}, nil
}

// selfSignedPEM creates a CA certificate for key, signed locally.
func selfSignedPEM(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber:          newTestSerial(t),
		Subject:               pkix.Name{CommonName: "KMS CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return EncodeCertificatesPEM(cert)
}

func newTestSerial(t *testing.T) *big.Int {
	t.Helper()

	serial, err := newSerialNumber()
	require.NoError(t, err)
	return serial
}

func TestKMSSigner(t *testing.T) {
	ctx := context.Background()
	client := newFakeKMS(t)
	caPEM := selfSignedPEM(t, client.key)

	t.Run("issues certificates verifiable against the CA", func(t *testing.T) {
		signer, err := NewKMSSigner(ctx, client, "alias/ca", caPEM)
		require.NoError(t, err)

		now := time.Now()
		bundle, err := IssueServerCertificate(signer, ServerCertificateRequest{
			Subject:   pkix.Name{CommonName: "kms.example.com"},
			DNSNames:  []string{"kms.example.com"},
			NotBefore: now.Add(-time.Minute),
			NotAfter:  now.Add(time.Hour),
		})
		require.NoError(t, err)
		require.Equal(t, 1, client.signed)

		caCert, err := signer.GetCACertificate()
		require.NoError(t, err)
		roots := x509.NewCertPool()
		roots.AddCert(caCert)

		_, err = bundle.Leaf().Verify(x509.VerifyOptions{
			Roots:     roots,
			DNSName:   "kms.example.com",
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		require.NoError(t, err)
	})

	t.Run("rejects a CA certificate for another key", func(t *testing.T) {
		other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)

		_, err = NewKMSSigner(ctx, client, "alias/ca", selfSignedPEM(t, other))
		require.ErrorIs(t, err, ErrKeyMismatch)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := NewKMSSigner(ctx, client, "alias/missing", caPEM)
		require.ErrorContains(t, err, "NotFoundException")
	})

	t.Run("bad certificate pem", func(t *testing.T) {
		_, err := NewKMSSigner(ctx, client, "alias/ca", []byte("nope"))
		require.ErrorIs(t, err, ErrNoCertificate)
	})

	t.Run("rsa keys are not supported", func(t *testing.T) {
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		der, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
		require.NoError(t, err)

		rsaClient := &fakeKMS{key: client.key, pubDER: der}
		_, err = NewKMSSigner(ctx, rsaClient, "alias/ca", caPEM)
		require.ErrorIs(t, err, ErrUnsupportedKey)
	})
}
