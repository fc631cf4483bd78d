package vault

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/awnumar/memguard"
	"github.com/zalando/go-keyring"

	"github.com/datashelf/gateway/internal/config"
)

// ErrKeyNotFound is returned when the configured key source holds no key.
var ErrKeyNotFound = errors.New("vault: encryption key not found")

// SecretFetcher reads a secret string by id. It is satisfied by a thin wrapper
// around the Secrets Manager client and replaced in tests.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, id string) (string, error)
}

type secretsManagerFetcher struct {
	client *secretsmanager.Client
}

func (f *secretsManagerFetcher) FetchSecret(ctx context.Context, id string) (string, error) {
	out, err := f.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", err
	}
	if out.SecretString == nil {
		return "", ErrKeyNotFound
	}
	return *out.SecretString, nil
}

// keyringGet is swapped out in tests; the real keyring needs a session bus.
var keyringGet = keyring.Get

// Open builds a vault from the configured key source. It is called once at
// startup; the decoded key is wiped after being sealed into the enclave.
func Open(ctx context.Context, cfg *config.VaultConfig) (*Vault, error) {
	return OpenWith(ctx, cfg, nil)
}

// OpenWith is Open with an explicit secret fetcher for the aws-secretsmanager source.
func OpenWith(ctx context.Context, cfg *config.VaultConfig, fetcher SecretFetcher) (*Vault, error) {
	switch cfg.KeySource {
	case "", "env":
		return fromEncoded(cfg.Key)

	case "passphrase":
		salt, err := DecodeKeyMaterial(cfg.Salt)
		if err != nil {
			return nil, fmt.Errorf("vault: invalid salt: %w", err)
		}
		return Derive(cfg.Passphrase, salt, cfg.Iterations)

	case "keyring":
		secret, err := keyringGet(cfg.KeyringService, cfg.KeyringUser)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return nil, ErrKeyNotFound
			}
			return nil, fmt.Errorf("vault: keyring lookup failed: %w", err)
		}
		return fromEncoded(secret)

	case "aws-secretsmanager":
		if fetcher == nil {
			var opts []func(*awsconfig.LoadOptions) error
			if cfg.SecretRegion != "" {
				opts = append(opts, awsconfig.WithRegion(cfg.SecretRegion))
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("vault: failed to load AWS config: %w", err)
			}
			fetcher = &secretsManagerFetcher{client: secretsmanager.NewFromConfig(awsCfg)}
		}
		secret, err := fetcher.FetchSecret(ctx, cfg.SecretID)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to fetch secret %s: %w", cfg.SecretID, err)
		}
		return fromEncoded(secret)

	default:
		return nil, fmt.Errorf("vault: unsupported key source %q", cfg.KeySource)
	}
}

func fromEncoded(s string) (*Vault, error) {
	if s == "" {
		return nil, ErrKeyNotFound
	}
	key, err := DecodeKeyMaterial(s)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)
	return New(key)
}

// DecodeKeyMaterial accepts standard base64, base64url or hex encodings.
func DecodeKeyMaterial(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*KeySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("vault: key material is neither hex nor base64")
}
