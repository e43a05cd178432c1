package providers

import (
	"errors"

	"golang.org/x/oauth2"
)

// asStatusError extracts an HTTP status from FetchJSON and oauth2 exchange errors.
func asStatusError(err error, target **StatusError) bool {
	if errors.As(err, target) {
		return true
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		se := &StatusError{StatusCode: re.Response.StatusCode}
		if re.Response.Request != nil {
			se.URL = re.Response.Request.URL.String()
		}
		*target = se
		return true
	}
	return false
}
