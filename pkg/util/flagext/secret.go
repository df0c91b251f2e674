package flagext

// Secret is a flag.Value whose value never appears in flag usage output
// or logs.
type Secret struct {
	Value string
}

// String implements flag.Value.
func (v Secret) String() string {
	if v.Value == "" {
		return ""
	}
	return "<redacted>"
}

// Set implements flag.Value.
func (v *Secret) Set(s string) error {
	v.Value = s
	return nil
}
