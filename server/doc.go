// Package server implements the OAuth 2.0 grant engine.
//
// The Server validates authorization requests, mints authorization codes and
// implicit tokens once the resource owner consents, and issues bearer tokens
// at the token endpoint for the authorization_code, password,
// client_credentials and refresh_token grants. It holds no state between
// calls: everything it needs lives in the storage.Store it is given.
//
// Failures are returned as *Error values carrying the OAuth error code, the
// HTTP status and, once the redirect URI has been validated, where the error
// must be delivered.
//
// Example usage:
//
//	store := memory.New()
//	factory := tokens.NewRandom(tokens.Lifetimes{})
//
//	srv, err := server.New(store, factory, users, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	grant, err := srv.ValidateAuthorizationRequest(ctx, req)
//	// ... obtain consent ...
//	location, err := srv.CompleteAuthorization(ctx, grant, user)
package server
