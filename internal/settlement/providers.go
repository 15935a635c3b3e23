package settlement

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderFile is the YAML document declaring payment providers.
type ProviderFile struct {
	Providers []Provider `yaml:"providers"`
}

// LoadProviderFile reads and validates a provider file.
func LoadProviderFile(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settlement: read providers: %w", err)
	}
	return ParseProviders(data)
}

// ParseProviders decodes provider YAML, defaulting the encoding to Shift_JIS.
func ParseProviders(data []byte) ([]Provider, error) {
	var file ProviderFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("settlement: parse providers: %w", err)
	}
	for i := range file.Providers {
		p := &file.Providers[i]
		if p.TenantID <= 0 || p.Code == "" || p.ConsignorCode == "" {
			return nil, fmt.Errorf("settlement: provider %d: tenant_id, code and consignor_code required", i)
		}
		if p.DebitDay < 1 || p.DebitDay > 31 || p.ClosingDay < 0 || p.ClosingDay > 31 {
			return nil, fmt.Errorf("settlement: provider %s: closing_day/debit_day out of range", p.Code)
		}
		if p.Encoding == "" {
			p.Encoding = EncodingShiftJIS
		}
		switch p.Encoding {
		case EncodingShiftJIS, EncodingEUCJP, EncodingUTF8:
		default:
			return nil, fmt.Errorf("settlement: provider %s: unknown encoding %q", p.Code, p.Encoding)
		}
	}
	return file.Providers, nil
}

// SyncProviders upserts the declared providers by (tenant, code).
func SyncProviders(ctx context.Context, repo Repository, providers []Provider) ([]Provider, error) {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		saved, err := repo.UpsertProvider(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("settlement: upsert provider %s: %w", p.Code, err)
		}
		out = append(out, saved)
	}
	return out, nil
}
