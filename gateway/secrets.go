// Copyright 2026 Meridian
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// fetchIssuerSecrets resolves the per-portal token signing secrets.
//
// When GATEWAY_SECRETS_ARN is set the secret is fetched from AWS Secrets
// Manager and must be a JSON object keyed by portal name, e.g.
// {"consumer": "...", "partner": "..."}. When it is unset an empty map is
// returned and the caller falls back to environment variables, which keeps
// local development free of AWS dependencies.
func fetchIssuerSecrets() (map[string]string, error) {
	arn := os.Getenv("GATEWAY_SECRETS_ARN")
	if arn == "" {
		return map[string]string{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(arn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(arn), err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskARN(arn))
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON object of portal secrets: %w", maskARN(arn), err)
	}
	return secrets, nil
}

// maskARN hides all but the last 8 characters of a secret ARN for logging.
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
