package tools

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/avoline/triage/common/spec/toolset"
	"github.com/avoline/triage/internal/triage/backend"
	"github.com/avoline/triage/internal/triage/classify"
)

//go:embed default.yaml
var defaultToolsetYAML []byte

// LoadToolset parses the toolset at path, or the embedded default when path
// is empty.
func LoadToolset(path string) (*toolset.Config, error) {
	data := defaultToolsetYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read toolset %s: %w", path, err)
		}
	}
	return toolset.Parse(data, classify.CategoryNames())
}

// BackendHandlers binds every default tool to the customer-systems client.
func BackendHandlers(client *backend.Client) map[string]Handler {
	type emailInput struct {
		CustomerEmail string `json:"customer_email"`
	}

	decode := func(input json.RawMessage, v any) error {
		if err := json.Unmarshal(input, v); err != nil {
			return fmt.Errorf("decode tool input: %w", err)
		}
		return nil
	}

	return map[string]Handler{
		"get_subscription": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in emailInput
			if err := decode(input, &in); err != nil {
				return nil, err
			}
			return client.GetSubscription(ctx, in.CustomerEmail)
		},
		"track_package": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in emailInput
			if err := decode(input, &in); err != nil {
				return nil, err
			}
			return client.TrackPackage(ctx, in.CustomerEmail)
		},
		"get_payment_history": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in emailInput
			if err := decode(input, &in); err != nil {
				return nil, err
			}
			return client.GetPaymentHistory(ctx, in.CustomerEmail)
		},
		"pause_subscription": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in struct {
				CustomerEmail string `json:"customer_email"`
				Months        int    `json:"months"`
			}
			if err := decode(input, &in); err != nil {
				return nil, err
			}
			return client.PauseSubscription(ctx, in.CustomerEmail, in.Months)
		},
		"skip_month": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in emailInput
			if err := decode(input, &in); err != nil {
				return nil, err
			}
			return client.SkipMonth(ctx, in.CustomerEmail)
		},
		"change_frequency": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in struct {
				CustomerEmail string `json:"customer_email"`
				Weeks         int    `json:"weeks"`
			}
			if err := decode(input, &in); err != nil {
				return nil, err
			}
			return client.ChangeFrequency(ctx, in.CustomerEmail, in.Weeks)
		},
		"change_address": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in struct {
				CustomerEmail string `json:"customer_email"`
				Address       string `json:"address"`
			}
			if err := decode(input, &in); err != nil {
				return nil, err
			}
			return client.ChangeAddress(ctx, in.CustomerEmail, in.Address)
		},
		"create_damage_claim": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in struct {
				CustomerEmail string `json:"customer_email"`
				Description   string `json:"description"`
			}
			if err := decode(input, &in); err != nil {
				return nil, err
			}
			return client.CreateDamageClaim(ctx, in.CustomerEmail, in.Description)
		},
	}
}
