package models

// Identity is the resolved caller of an API operation.
type Identity struct {
	Owner   string
	IsAdmin bool
}

// CanAccess reports whether the caller may act on resources of owner.
func (i Identity) CanAccess(owner string) bool {
	return i.IsAdmin || (i.Owner != "" && i.Owner == owner)
}

// Claims are the JWT claims accepted from bearer tokens.
type Claims struct {
	Issuer    string `json:"iss,omitempty"`
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Role      string `json:"role,omitempty"`
}
