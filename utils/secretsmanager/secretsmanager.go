/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package secretsmanager fetches coordination store credentials from cloud
// secret stores.
package secretsmanager

import (
	"context"
	"fmt"
	"strings"

	gcpsecretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
)

// Source names a secret.  Location is the AWS region, the Azure key vault
// name or the GCP project id.
type Source struct {
	Provider Provider
	Location string
	SecretID string
}

// ParseSource parses the provider:location:secret-id form used on the command
// line.
func ParseSource(s string) (Source, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Source{}, fmt.Errorf("secret source %q must be formatted `provider:location:secret-id`", s)
	}

	src := Source{
		Provider: Provider(strings.ToLower(parts[0])),
		Location: parts[1],
		SecretID: parts[2],
	}
	switch src.Provider {
	case ProviderAWS, ProviderAzure, ProviderGCP:
	default:
		return Source{}, fmt.Errorf("unknown secret provider %q", parts[0])
	}

	return src, nil
}

type Credentials struct {
	Username string
	Password string
}

// ParseCredentials parses a `username:password` secret.  The password may
// itself contain colons.
func ParseCredentials(secret string) (Credentials, error) {
	username, password, ok := strings.Cut(strings.TrimSpace(secret), ":")
	if !ok || username == "" {
		return Credentials{}, fmt.Errorf("coordination store credentials secret must be formatted `username:password`")
	}
	return Credentials{Username: username, Password: password}, nil
}

// Fetch reads the secret described by src and parses it as credentials.
func Fetch(ctx context.Context, src Source) (Credentials, error) {
	var secret string
	var err error

	switch src.Provider {
	case ProviderAWS:
		secret, err = fetchAWSSecret(ctx, src.SecretID, src.Location)
	case ProviderAzure:
		secret, err = fetchAzureSecret(ctx, src.SecretID, src.Location)
	case ProviderGCP:
		secret, err = fetchGcpSecret(ctx, src.SecretID, src.Location)
	default:
		return Credentials{}, fmt.Errorf("unknown secret provider %q", src.Provider)
	}
	if err != nil {
		return Credentials{}, err
	}

	return ParseCredentials(secret)
}

func fetchAWSSecret(ctx context.Context, secretId string, region string) (string, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("failed to load default aws config: %w", err)
	}

	secrets := secretsmanager.NewFromConfig(cfg)
	res, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretId})
	if err != nil {
		return "", fmt.Errorf("failed to get aws secret: %w", err)
	}
	if res.SecretString == nil {
		return "", fmt.Errorf("aws secret %s not a string", secretId)
	}

	return *res.SecretString, nil
}

func fetchAzureSecret(ctx context.Context, secretId string, keyVaultName string) (string, error) {
	vaultURI := fmt.Sprintf("https://%s.vault.azure.net/", keyVaultName)

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return "", fmt.Errorf("failed to obtain azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURI, cred, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create azure client: %w", err)
	}

	// the empty version is the latest one
	resp, err := client.GetSecret(ctx, secretId, "", nil)
	if err != nil {
		return "", fmt.Errorf("failed to get azure secret: %w", err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("azure secret %s has no value", secretId)
	}

	return *resp.Value, nil
}

func fetchGcpSecret(ctx context.Context, secretId string, projectId string) (string, error) {
	client, err := gcpsecretmanager.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create gcp secretmanager client: %w", err)
	}
	defer func() { _ = client.Close() }()

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectId, secretId),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get gcp secret: %w", err)
	}

	return string(result.Payload.Data), nil
}
