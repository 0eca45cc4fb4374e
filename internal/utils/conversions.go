package utils

// ToStringSlice keeps the string elements of slice, in order. Each extract
// func is tried on the non-string elements; the first match is kept.
func ToStringSlice(slice []any, extract ...func(any) (string, bool)) []string {
	stringSlice := make([]string, 0, len(slice))
	for _, v := range slice {
		if s, ok := v.(string); ok {
			stringSlice = append(stringSlice, s)
			continue
		}
		for _, fn := range extract {
			if s, ok := fn(v); ok {
				stringSlice = append(stringSlice, s)
				break
			}
		}
	}
	return stringSlice
}
