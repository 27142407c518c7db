package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSecretsManager struct {
	out    *secretsmanager.GetSecretValueOutput
	err    error
	lastID string
}

func (c *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.lastID = aws.ToString(in.SecretId)
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "DEPOSIT_SIGNER_KEYS_TEST"
	t.Setenv(key, "  0xabc  ")

	p, err := New(context.Background(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Get(context.Background(), key)
	if err != nil || got != "0xabc" {
		t.Fatalf("Get: got %q err=%v", got, err)
	}
	if _, err := p.Get(context.Background(), "DEPOSIT_SIGNER_KEYS_MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v want %v", err, ErrNotFound)
	}
	if _, err := p.Get(context.Background(), " "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty key: got %v want %v", err, ErrInvalidConfig)
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), "vault"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want %v", err, ErrInvalidConfig)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	fake := &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String(" 0xkey ")}}
	p, err := NewAWSWithClient(fake)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "deposit-router/signer")
	if err != nil || got != "0xkey" {
		t.Fatalf("Get: got %q err=%v", got, err)
	}
	if fake.lastID != "deposit-router/signer" {
		t.Fatalf("secret id: got %q", fake.lastID)
	}
}

func TestAWSProvider_JSONField(t *testing.T) {
	t.Parallel()

	fake := &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"signer_keys":"0x01,0x02","rpc":"https://rpc"}`),
	}}
	p, _ := NewAWSWithClient(fake)

	got, err := p.Get(context.Background(), "deposit-router#signer_keys")
	if err != nil || got != "0x01,0x02" {
		t.Fatalf("Get field: got %q err=%v", got, err)
	}
	if fake.lastID != "deposit-router" {
		t.Fatalf("secret id: got %q", fake.lastID)
	}
	if _, err := p.Get(context.Background(), "deposit-router#missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing field: got %v want %v", err, ErrNotFound)
	}
}

func TestAWSProvider_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("AccessDenied")
	p, _ := NewAWSWithClient(&fakeSecretsManager{err: boom})
	if _, err := p.Get(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("client error: got %v", err)
	}

	empty, _ := NewAWSWithClient(&fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{}})
	if _, err := empty.Get(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty secret: got %v want %v", err, ErrNotFound)
	}
	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil client: got %v", err)
	}
}
