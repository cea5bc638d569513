package provider

import (
	"encoding/json"
	"strings"

	"github.com/modfin/henry/slicez"
)

const PurposeDKIM = "dkim"
const PurposeSPF = "spf"
const PurposeDMARC = "dmarc"
const PurposeCode = "brevo-code"

// DNSRecord is the normalized form of one record the provider wants
// published for a sending domain, regardless of which response schema it
// arrived in.
type DNSRecord struct {
	Purpose  string `json:"purpose"` // dkim, spf, dmarc, brevo-code
	Type     string `json:"type"`
	Host     string `json:"host"`
	Value    string `json:"value"`
	Verified bool   `json:"verified,omitempty"`
}

// recordsEnvelope is the newer schema, an array of records each tagged
// with its purpose.
type recordsEnvelope struct {
	Records []arrayRecord `json:"records"`
}

type arrayRecord struct {
	Purpose string `json:"purpose"`
	Type    string `json:"type"`
	Host    string `json:"host"`
	Value   string `json:"value"`
	Status  bool   `json:"status"`
}

// legacyEnvelope is the older schema with one named field per mechanism.
type legacyEnvelope struct {
	DKIM  *legacyRecord `json:"dkim_record"`
	SPF   *legacyRecord `json:"spf_record"`
	DMARC *legacyRecord `json:"dmarc_record"`
	Code  *legacyRecord `json:"brevo_code"`
}

type legacyRecord struct {
	Type     string `json:"type"`
	HostName string `json:"host_name"`
	Value    string `json:"value"`
	Status   bool   `json:"status"`
}

// ExtractDNSRecords normalizes both known provider response shapes into
// one tagged list. An absent or unrecognized shape yields an empty list,
// not an error, schema drift on the provider side must not break reads.
func ExtractDNSRecords(raw json.RawMessage) []DNSRecord {
	if len(raw) == 0 {
		return nil
	}

	var envelope recordsEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Records) > 0 {
		recs := slicez.Map(envelope.Records, func(r arrayRecord) DNSRecord {
			return DNSRecord{
				Purpose:  strings.ToLower(r.Purpose),
				Type:     strings.ToUpper(r.Type),
				Host:     r.Host,
				Value:    r.Value,
				Verified: r.Status,
			}
		})
		return slicez.Filter(recs, func(r DNSRecord) bool {
			return r.Host != "" || r.Value != ""
		})
	}

	var legacy legacyEnvelope
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil
	}

	var out []DNSRecord
	add := func(purpose string, r *legacyRecord) {
		if r == nil || (r.HostName == "" && r.Value == "") {
			return
		}
		out = append(out, DNSRecord{
			Purpose:  purpose,
			Type:     strings.ToUpper(r.Type),
			Host:     r.HostName,
			Value:    r.Value,
			Verified: r.Status,
		})
	}
	add(PurposeDKIM, legacy.DKIM)
	add(PurposeSPF, legacy.SPF)
	add(PurposeDMARC, legacy.DMARC)
	add(PurposeCode, legacy.Code)
	return out
}

// MechanismVerified reports whether every record serving the given purpose
// is marked verified by the provider. False when no such record exists.
func MechanismVerified(records []DNSRecord, purpose string) bool {
	matching := slicez.Filter(records, func(r DNSRecord) bool {
		return r.Purpose == purpose
	})
	if len(matching) == 0 {
		return false
	}
	return slicez.EveryBy(matching, func(r DNSRecord) bool {
		return r.Verified
	})
}
