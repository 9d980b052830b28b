package codesign

// Entitlements handling: XML plist parsing, Apple's DER encoding used
// for CSSLOT_ENTITLEMENTS_DER, and the rewriting needed when an app
// changes bundle id during resigning.

import (
	"encoding/asn1"
	"fmt"
	"sort"
	"strings"

	"howett.net/plist"
)

// Entitlements is a parsed entitlements dictionary.
type Entitlements map[string]interface{}

// ParseEntitlements parses an XML plist into an entitlements map.
func ParseEntitlements(data []byte) (Entitlements, error) {
	var ents Entitlements
	if _, err := plist.Unmarshal(data, &ents); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements plist: %w", err)
	}
	return ents, nil
}

// MarshalXML renders the entitlements as a tab-indented XML plist.
func (e Entitlements) MarshalXML() ([]byte, error) {
	data, err := plist.MarshalIndent(map[string]interface{}(e), plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements: %w", err)
	}
	return data, nil
}

// Merge returns a copy with override values taking precedence.
func (e Entitlements) Merge(override Entitlements) Entitlements {
	merged := make(Entitlements, len(e)+len(override))
	for k, v := range e {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// GetTaskAllow reports whether the get-task-allow entitlement is set.
func (e Entitlements) GetTaskAllow() bool {
	v, ok := e["get-task-allow"].(bool)
	return ok && v
}

// ForBundleID returns a copy rewritten for a new bundle id: the
// application-identifier becomes teamID.bundleID and dotted
// keychain-access-groups entries are rebuilt on the same prefix.
func (e Entitlements) ForBundleID(teamID, bundleID string) Entitlements {
	out := make(Entitlements, len(e)+1)
	for k, v := range e {
		out[k] = v
	}

	appID := bundleID
	if !strings.HasPrefix(appID, teamID+".") {
		appID = teamID + "." + bundleID
	}
	out["application-identifier"] = appID

	if groups, ok := out["keychain-access-groups"].([]interface{}); ok {
		short := strings.TrimPrefix(bundleID, teamID+".")
		rewritten := make([]interface{}, 0, len(groups))
		for _, group := range groups {
			if s, ok := group.(string); ok && strings.Contains(s, ".") {
				rewritten = append(rewritten, teamID+"."+short)
			} else {
				rewritten = append(rewritten, group)
			}
		}
		out["keychain-access-groups"] = rewritten
	}
	return out
}

// MarshalDER encodes the entitlements in the DER form iOS expects in
// CSSLOT_ENTITLEMENTS_DER: APPLICATION 16 { INTEGER 1, [16] { SEQUENCE
// { UTF8String key, value }... } } with keys sorted.
func (e Entitlements) MarshalDER() ([]byte, error) {
	dict, err := derDict(e)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version: %w", err)
	}
	return derWrap(derTagTopLevel, append(version, dict...)), nil
}

const (
	derTagUTF8String = 0x0c
	derTagSequence   = 0x30
	derTagTopLevel   = 0x70 // APPLICATION 16, constructed
	derTagDict       = 0xb0 // context 16, constructed
)

// derWrap frames content with a DER tag and definite length.
func derWrap(tag byte, content []byte) []byte {
	n := len(content)
	var hdr []byte
	switch {
	case n < 0x80:
		hdr = []byte{tag, byte(n)}
	case n < 0x100:
		hdr = []byte{tag, 0x81, byte(n)}
	case n < 0x10000:
		hdr = []byte{tag, 0x82, byte(n >> 8), byte(n)}
	default:
		hdr = []byte{tag, 0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
	return append(hdr, content...)
}

// derDict encodes a dictionary as sorted key-value SEQUENCEs placed
// directly inside the context tag; there is no outer SEQUENCE.
func derDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, key := range keys {
		value, err := derValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("failed to encode entitlement %q: %w", key, err)
		}
		pair := append(derWrap(derTagUTF8String, []byte(key)), value...)
		pairs = append(pairs, derWrap(derTagSequence, pair)...)
	}
	return derWrap(derTagDict, pairs), nil
}

// derValue encodes one plist value. Strings use UTF8String rather than
// PrintableString; arrays become SEQUENCEs of their elements.
func derValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return derWrap(derTagUTF8String, []byte(val)), nil
	case int:
		return asn1.Marshal(val)
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []interface{}:
		var content []byte
		for _, item := range val {
			enc, err := derValue(item)
			if err != nil {
				return nil, err
			}
			content = append(content, enc...)
		}
		return derWrap(derTagSequence, content), nil
	case Entitlements:
		return derDict(val)
	case map[string]interface{}:
		return derDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type %T", v)
	}
}
