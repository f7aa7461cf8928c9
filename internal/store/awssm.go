package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// secretsAPI is the slice of the Secrets Manager client the store uses.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// AWSStore keeps each environment's TokenRecord as a JSON secret in AWS
// Secrets Manager under "<prefix>/<env>/token".
type AWSStore struct {
	client secretsAPI
	prefix string
}

// NewAWSStore creates a Secrets Manager backed store for the given region.
func NewAWSStore(region, prefix string) (*AWSStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSStore{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: prefix,
	}, nil
}

func (s *AWSStore) name(env model.Environment) string {
	return fmt.Sprintf("%s/%s/token", s.prefix, env)
}

// HealthCheck issues a read against the prod secret; a not-found answer
// still proves the Secrets Manager endpoint is reachable.
func (s *AWSStore) HealthCheck(ctx context.Context) error {
	_, err := s.Get(ctx, model.Production)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *AWSStore) Get(ctx context.Context, env model.Environment) (*model.TokenRecord, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.name(env)),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch secret [%s]: %w", s.name(env), err)
	}

	var rec model.TokenRecord
	if err := json.Unmarshal([]byte(*out.SecretString), &rec); err != nil {
		return nil, fmt.Errorf("invalid secret format for [%s]: %w", s.name(env), err)
	}
	return &rec, nil
}

func (s *AWSStore) Put(ctx context.Context, env model.Environment, rec *model.TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(s.name(env)),
		SecretString: aws.String(string(data)),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if !errors.As(err, &nf) {
			return fmt.Errorf("failed to store secret [%s]: %w", s.name(env), err)
		}
		// First rotation for this environment; create the secret.
		_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(s.name(env)),
			SecretString: aws.String(string(data)),
		})
		if err != nil {
			return fmt.Errorf("failed to create secret [%s]: %w", s.name(env), err)
		}
	}
	return nil
}
