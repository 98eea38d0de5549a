// Package params loads runtime parameters from AWS Systems Manager Parameter
// Store: the priority table, the active tender identifier and the
// geography-to-driver map.
package params

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/postalgrid/delayer/internal/priority"
)

// API is the SSM subset the provider uses.
type API interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Names holds the parameter names the service reads.
type Names struct {
	PriorityTable string
	TenderID      string
	DriverMap     string
}

// Provider reads parameters at startup. Values are not watched; a parameter
// change requires a restart.
type Provider struct {
	client API
	names  Names
}

func NewProvider(client API, names Names) *Provider {
	return &Provider{client: client, names: names}
}

func (p *Provider) value(ctx context.Context, name string) (string, error) {
	out, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}

// PriorityTable loads and parses the priority mapping parameter.
func (p *Provider) PriorityTable(ctx context.Context) (priority.Table, error) {
	raw, err := p.value(ctx, p.names.PriorityTable)
	if err != nil {
		return priority.Table{}, err
	}
	return priority.Parse([]byte(raw))
}

// TenderID returns the active tender identifier.
func (p *Provider) TenderID(ctx context.Context) (string, error) {
	return p.value(ctx, p.names.TenderID)
}

// DriverMap returns the geography-to-unified-delivery-driver mapping.
func (p *Provider) DriverMap(ctx context.Context) (map[string]string, error) {
	raw, err := p.value(ctx, p.names.DriverMap)
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parse driver map: %w", err)
	}
	return m, nil
}
