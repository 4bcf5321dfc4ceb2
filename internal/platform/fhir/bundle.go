package fhir

// BundleResources returns the resources carried by a decoded searchset
// Bundle, in entry order. A bare resource is returned as a one-element slice
// so callers can treat read and search responses alike. OperationOutcome
// entries (search warnings) are skipped.
func BundleResources(res map[string]interface{}) []map[string]interface{} {
	if res == nil {
		return nil
	}
	if ResourceType(res) != "Bundle" {
		if ResourceType(res) == "OperationOutcome" {
			return nil
		}
		return []map[string]interface{}{res}
	}
	entries, _ := res["entry"].([]interface{})
	out := make([]map[string]interface{}, 0, len(entries))
	for _, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		r, ok := entry["resource"].(map[string]interface{})
		if !ok || ResourceType(r) == "OperationOutcome" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// FirstResource returns the first resource of a Bundle, or nil.
func FirstResource(res map[string]interface{}) map[string]interface{} {
	all := BundleResources(res)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}
