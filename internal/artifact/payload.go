package artifact

import (
	"github.com/JakeFAU/record-reconciler/internal/fingerprint"
	"github.com/JakeFAU/record-reconciler/internal/records"
)

var (
	statusKeys   = []string{"estado", "status"}
	filedAtKeys  = []string{"fecha_radicacion", "filed_at"}
	customerKeys = []string{"cliente", "customer"}
	subjectKeys  = []string{"asunto", "subject"}
)

// buildPayload maps canonical fields onto the named payload attributes;
// everything unmodeled lands in Extra.
func buildPayload(fields map[string]string) records.Payload {
	var p records.Payload
	used := map[string]struct{}{fingerprint.RecordIDField: {}}

	p.Status = pick(fields, statusKeys, used)
	p.Customer = pick(fields, customerKeys, used)
	p.Subject = pick(fields, subjectKeys, used)
	if raw := pick(fields, filedAtKeys, used); raw != "" {
		if t, _, ok := fingerprint.ParseDate(raw); ok {
			filed := t.UTC()
			p.FiledAt = &filed
		} else {
			// keep unparseable dates visible instead of dropping them
			for _, k := range filedAtKeys {
				delete(used, k)
			}
		}
	}

	for k, v := range fields {
		if _, ok := used[k]; ok {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]string)
		}
		p.Extra[k] = v
	}
	return p
}

func pick(fields map[string]string, keys []string, used map[string]struct{}) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			used[k] = struct{}{}
			return fingerprint.NormalizeValue(v)
		}
	}
	return ""
}
