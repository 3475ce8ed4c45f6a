package schemas

// CookieSameSite mirrors the SameSite attribute of a cookie.
type CookieSameSite string

const (
	CookieSameSiteStrict CookieSameSite = "Strict"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteNone   CookieSameSite = "None"
)

// Cookie represents a browser cookie. Field names follow the storage-state
// files written by Playwright so those files can be loaded as-is.
type Cookie struct {
	Name     string         `json:"name"`
	Value    string         `json:"value"`
	Domain   string         `json:"domain"`
	Path     string         `json:"path"`
	Expires  float64        `json:"expires"` // Unix seconds, -1 for session cookies.
	HTTPOnly bool           `json:"httpOnly"`
	Secure   bool           `json:"secure"`
	SameSite CookieSameSite `json:"sameSite,omitempty"`
}

// NameValue is a single localStorage entry.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginStorage holds the localStorage entries of one origin.
type OriginStorage struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// StorageState is the saved login state of a browser context.
type StorageState struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins"`
}

// IsEmpty reports whether the state carries nothing worth applying.
func (s *StorageState) IsEmpty() bool {
	if s == nil {
		return true
	}
	if len(s.Cookies) > 0 {
		return false
	}
	for _, o := range s.Origins {
		if len(o.LocalStorage) > 0 {
			return false
		}
	}
	return true
}
