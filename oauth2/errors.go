package oauth2

import "fmt"

// Error is an OAuth2 error delivered either as redirect parameters
// (error, error_description) or as a token endpoint JSON body.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
