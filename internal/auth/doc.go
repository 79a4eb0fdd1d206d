// Package auth verifies identity tokens for support-gateway.
//
// Identities come from an external identity provider as HS256-signed JWTs;
// the gateway trusts the claims (sub, name, email, agent) and never
// implements registration or credential storage itself. Verified identities
// travel on the request context via WithIdentity/FromContext.
package auth
