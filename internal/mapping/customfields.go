package mapping

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"gorm.io/datatypes"
)

// Custom fields are named freely by each firm, so a logical field is found by
// trying its known spellings in order. Add spellings here, not in code.
var exchangeFieldAliases = map[string][]string{
	"exchange_type":                 {"Exchange Type", "1031 Exchange Type", "Type of Exchange", "Exchange Structure"},
	"relinquished_property_address": {"Relinquished Property Address", "Relinquished Property", "Property Sold Address", "Sold Property Address"},
	"relinquished_sale_price":       {"Relinquished Sale Price", "Relinquished Property Sale Price", "Sale Price", "Relinquished Value"},
	"relinquished_closing_date":     {"Relinquished Closing Date", "Relinquished Property Closing Date", "Sale Closing Date", "Closing Date"},
	"replacement_property_address":  {"Replacement Property Address", "Replacement Property", "Property Purchased Address"},
	"replacement_purchase_price":    {"Replacement Purchase Price", "Replacement Property Price", "Purchase Price"},
	"identification_deadline":       {"Identification Deadline", "45 Day Deadline", "45-Day Deadline", "ID Deadline"},
	"exchange_deadline":             {"Exchange Deadline", "180 Day Deadline", "180-Day Deadline", "Closing Deadline"},
	"exchange_value":                {"Exchange Value", "Total Exchange Value", "Exchange Amount"},
	"qualified_intermediary":        {"Qualified Intermediary", "QI", "Intermediary", "QI Name"},
}

// customFields holds one record's custom field values by display name, with
// a normalized index for alias lookup.
type customFields struct {
	values map[string]interface{}
	index  map[string]interface{}
}

// readCustomFields collects custom_field_values entries. The display name
// comes from field_name or custom_field.name; picklist values are unwrapped.
func readCustomFields(rec vendorRecord) customFields {
	cf := customFields{
		values: make(map[string]interface{}),
		index:  make(map[string]interface{}),
	}
	for _, entry := range rec.objects("custom_field_values") {
		name := entry.firstString([]string{"field_name"}, []string{"custom_field", "name"}, []string{"name"})
		if name == "" {
			continue
		}
		v := customValue(entry)
		if v == nil {
			continue
		}
		cf.values[name] = v
		key := normalizeFieldName(name)
		if _, seen := cf.index[key]; !seen {
			cf.index[key] = v
		}
	}
	return cf
}

func customValue(entry vendorRecord) interface{} {
	v := entry.value("value")
	if obj, ok := v.(map[string]interface{}); ok {
		nested := vendorRecord(obj)
		if s := nested.firstString([]string{"option"}, []string{"name"}, []string{"value"}); s != "" {
			return s
		}
		return nil
	}
	if v == nil {
		if s := entry.str("picklist_option", "option"); s != "" {
			return s
		}
	}
	return v
}

// lookup returns the value of the first alias present, or nil.
func (cf customFields) lookup(aliases []string) interface{} {
	for _, alias := range aliases {
		if v, ok := cf.index[normalizeFieldName(alias)]; ok {
			return v
		}
	}
	return nil
}

func (cf customFields) str(field string) string {
	return scalarString(cf.lookup(exchangeFieldAliases[field]))
}

func (cf customFields) amount(field string) *float64 {
	return ParseCurrency(cf.lookup(exchangeFieldAliases[field]))
}

func (cf customFields) date(field string) *time.Time {
	return ParseDate(cf.lookup(exchangeFieldAliases[field]))
}

// JSON returns the display-name map, or nil when the record has none.
func (cf customFields) JSON() datatypes.JSON {
	if len(cf.values) == 0 {
		return nil
	}
	out, err := json.Marshal(cf.values)
	if err != nil {
		return nil
	}
	return out
}

// normalizeFieldName folds case and drops everything but letters and digits,
// so "45-Day Deadline" and "45 day deadline" match.
func normalizeFieldName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
