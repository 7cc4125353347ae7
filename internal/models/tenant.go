package models

import "time"

// Tenant is a client organization on the platform. RemainingMessages is
// the send credit balance; it is only ever changed through atomic
// decrements at the storage layer.
type Tenant struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	RemainingMessages int       `json:"remaining_messages"`
	ProviderDomain    string    `json:"provider_domain,omitempty"`
	FromEmail         string    `json:"from_email,omitempty"`
	FromName          string    `json:"from_name,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SenderIdentity returns the tenant's configured sender identity. Fields
// left empty fall back to the platform default at dispatch time.
func (t *Tenant) SenderIdentity() SenderIdentity {
	return SenderIdentity{
		Domain:    t.ProviderDomain,
		FromEmail: t.FromEmail,
		FromName:  t.FromName,
	}
}

// SenderIdentity is the domain and from-address a batch is sent under.
type SenderIdentity struct {
	Domain    string `json:"domain"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// IsZero reports whether no identity fields are set.
func (s SenderIdentity) IsZero() bool {
	return s.Domain == "" && s.FromEmail == "" && s.FromName == ""
}

// From formats the identity as an RFC 5322 From value.
func (s SenderIdentity) From() string {
	name := s.FromName
	if name == "" {
		name = s.FromEmail
	}
	return name + " <" + s.FromEmail + ">"
}
