package discovery

import (
	"context"
	"time"

	"github.com/x402rail/facilitator/facilitator"
)

// nowFunc is overridable in tests.
var nowFunc = time.Now

// Hook builds the AfterSettleHook that populates the catalog. It upserts a
// record only when the settlement succeeded and the payload names a
// resource URL, matching the catalog's monotonicity invariant: a discovery
// record for resource R exists only if a settle for R has returned
// success=true.
func (c *Catalog) Hook() facilitator.AfterSettleHook {
	return func(_ context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements, result *facilitator.SettleResponse, settleErr error) {
		if settleErr != nil || result == nil || !result.Success {
			return
		}
		if payload.Resource == nil || payload.Resource.URL == "" {
			return
		}

		record := facilitator.DiscoveryRecord{
			Resource:    Normalize(payload.Resource.URL),
			Type:        "http",
			X402Version: payload.X402Version,
			Accepts:     []facilitator.PaymentRequirements{reqs},
			LastUpdated: nowFunc().Unix(),
		}

		if bazaar, ok := payload.Extensions["bazaar"]; ok {
			record.Method, record.Metadata = indexableBazaarMetadata(bazaar)
		}

		c.Upsert(record)
	}
}

// indexableBazaarMetadata decides what of a bazaar extension gets indexed.
// An extension declaring both info and a JSON Schema is validated against
// its own schema; non-conforming info is dropped from the record rather
// than failing the settlement, which already succeeded on-chain.
func indexableBazaarMetadata(bazaar interface{}) (method string, metadata interface{}) {
	ext, ok := bazaar.(map[string]interface{})
	if !ok {
		return "", bazaar
	}
	if m, ok := ext["method"].(string); ok {
		method = m
	}
	info, hasInfo := ext["info"]
	schema, hasSchema := ext["schema"]
	if hasInfo && hasSchema {
		if valid, _ := ValidateBazaarMetadata(info, schema); !valid {
			return method, nil
		}
	}
	return method, bazaar
}
