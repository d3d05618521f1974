package encryption

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSAPI is the subset of the AWS KMS client used for key wrapping.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSWrapper wraps data keys with an AWS KMS customer managed key.
type KMSWrapper struct {
	client  KMSAPI
	keyID   string
	context map[string]string
}

func NewKMSWrapper(client KMSAPI, keyID string) *KMSWrapper {
	return &KMSWrapper{
		client:  client,
		keyID:   keyID,
		context: map[string]string{"purpose": "tritrack-compliance-data-key"},
	}
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewKMSClient builds a KMS client from the default credential chain, or
// from static credentials when both key fields are set.
func NewKMSClient(ctx context.Context, cfg AWSConfig) (*kms.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func (w *KMSWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := w.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(w.keyID),
		Plaintext:         plaintext,
		EncryptionContext: w.context,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kms encrypt: %v", ErrEncryptionFailed, err)
	}
	return out.CiphertextBlob, nil
}

func (w *KMSWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := w.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(w.keyID),
		CiphertextBlob:    wrapped,
		EncryptionContext: w.context,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kms decrypt: %v", ErrDecryptionFailed, err)
	}
	return out.Plaintext, nil
}
