// Package oidc provides OpenID Connect issuer validation and endpoint
// discovery shared by OIDC-based providers.
//
// Discovery is delegated to github.com/coreos/go-oidc, which verifies that the
// document's issuer matches the requested one. Results are cached per issuer.
//
//	client := oidc.NewDiscoveryClient(nil, time.Hour, logger)
//	doc, err := client.Discover(ctx, "https://accounts.example.com")
//	if err != nil {
//	    return err
//	}
//	config := &oauth2.Config{Endpoint: doc.Endpoint()}
package oidc
