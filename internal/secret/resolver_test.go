package secret

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSMClient struct {
	params map[string]string
}

func (f *fakeSSMClient) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if !aws.ToBool(input.WithDecryption) {
		return nil, fmt.Errorf("decryption not requested for %s", *input.Name)
	}
	val, ok := f.params[*input.Name]
	if !ok {
		return nil, fmt.Errorf("parameter not found: %s", *input.Name)
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{
			Name:  input.Name,
			Value: aws.String(val),
		},
	}, nil
}

func TestSSMResolver_GetSecret(t *testing.T) {
	resolver := NewSSMResolver(&fakeSSMClient{
		params: map[string]string{"/drivebot/telegram-token": "123:abc"},
	})

	val, err := resolver.GetSecret(context.Background(), "/drivebot/telegram-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "123:abc" {
		t.Fatalf("expected %q, got %q", "123:abc", val)
	}

	if _, err := resolver.GetSecret(context.Background(), "/drivebot/missing"); err == nil {
		t.Fatal("expected error for missing parameter, got nil")
	}
}

func TestEnvResolver_GetSecret(t *testing.T) {
	t.Setenv("STATE_SECRET", "env-secret-value")
	resolver := NewEnvResolver()

	val, err := resolver.GetSecret(context.Background(), "/drivebot/state-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "env-secret-value" {
		t.Fatalf("expected %q, got %q", "env-secret-value", val)
	}
}

func TestEnvResolver_GetSecret_Empty(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_SECRET", "")
	resolver := NewEnvResolver()

	if _, err := resolver.GetSecret(context.Background(), "/drivebot/google-client-secret"); err == nil {
		t.Fatal("expected error for empty env var, got nil")
	}
}

func TestParamName(t *testing.T) {
	tests := []struct {
		prefix, key, want string
	}{
		{"/drivebot", "telegram-token", "/drivebot/telegram-token"},
		{"drivebot/", "state-secret", "/drivebot/state-secret"},
		{"", "x", "/x"},
	}
	for _, tc := range tests {
		if got := ParamName(tc.prefix, tc.key); got != tc.want {
			t.Errorf("ParamName(%q, %q) = %q, want %q", tc.prefix, tc.key, got, tc.want)
		}
	}
}

func TestParamNameToEnvVar(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/drivebot/telegram-token", "TELEGRAM_TOKEN"},
		{"/drivebot/google-client-secret", "GOOGLE_CLIENT_SECRET"},
		{"/drivebot/state-secret", "STATE_SECRET"},
	}

	for _, tc := range tests {
		got := paramNameToEnvVar(tc.input)
		if got != tc.expected {
			t.Errorf("paramNameToEnvVar(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}
