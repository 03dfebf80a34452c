package azcli

// Object is a decoded az JSON object.
type Object map[string]interface{}

// String safely extracts a string field, returning "" if missing.
func (o Object) String(field string) string {
	if v, ok := o[field].(string); ok {
		return v
	}
	return ""
}

// Bool safely extracts a bool field, returning false if missing.
func (o Object) Bool(field string) bool {
	if v, ok := o[field].(bool); ok {
		return v
	}
	return false
}

// Nested navigates section.field, e.g. siteConfig.linuxFxVersion.
func (o Object) Nested(section, field string) interface{} {
	sec, ok := o[section].(map[string]interface{})
	if !ok {
		return nil
	}
	return sec[field]
}

// NestedString returns section.field as a string.
func (o Object) NestedString(section, field string) string {
	if v, ok := o.Nested(section, field).(string); ok {
		return v
	}
	return ""
}
